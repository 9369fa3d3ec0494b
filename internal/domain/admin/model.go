// Package admin holds the administrative escape hatches: the bulk patient
// reset and the audit log viewer.
package admin

// ResetConfirmation must be typed verbatim to reset patient data.
const ResetConfirmation = "CONFIRMO"

// ResetResult counts the rows removed by a reset.
type ResetResult struct {
	Procedures  int64 `json:"procedures"`
	Therapies   int64 `json:"evaluation_therapies"`
	Evaluations int64 `json:"evaluations"`
	Patients    int64 `json:"patients"`
}
