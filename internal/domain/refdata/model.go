// Package refdata serves the specialty and location choices offered by
// intake and evaluation forms.
package refdata

type Kind string

const (
	KindSpecialties Kind = "specialties"
	KindLocations   Kind = "locations"
)

// DefaultSpecialties is used whenever the specialties table is empty.
var DefaultSpecialties = []string{
	"Fonoaudiologia",
	"Psicologia",
	"Terapia Ocupacional",
	"Fisioterapia",
	"Musicoterapia",
	"Pedagogia/ABA",
}

// DefaultLocations is used whenever the locations table is empty.
var DefaultLocations = []string{
	"Clínica Principal",
	"Unidade Norte",
	"Unidade Sul",
	"Atendimento Domiciliar",
}

func defaultsFor(k Kind) []string {
	if k == KindLocations {
		return DefaultLocations
	}
	return DefaultSpecialties
}
