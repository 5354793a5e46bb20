package reputation

// Stats is what badge criteria are evaluated against.
type Stats struct {
	Rating            float64
	ReviewCount       int
	ServicesCompleted int
}

// TotalServices falls back to the review count for professionals whose
// completions predate completion tracking.
func (s Stats) TotalServices() int {
	if s.ServicesCompleted > 0 {
		return s.ServicesCompleted
	}
	return s.ReviewCount
}

type Badge struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	// Criteria is nil for badges only an administrator can grant.
	Criteria func(Stats) bool `json:"-"`
}

func (b Badge) Automatic() bool { return b.Criteria != nil }

// Registry is an ordered, static list of badges.
type Registry []Badge

func (r Registry) Lookup(id string) (Badge, bool) {
	for _, b := range r {
		if b.ID == id {
			return b, true
		}
	}
	return Badge{}, false
}

// DefaultRegistry is the badge catalogue shown on professional profiles.
var DefaultRegistry = Registry{
	{
		ID:          "excelencia-avaliacoes",
		Name:        "Excelência em Avaliações",
		Description: "Você alcançou 50 avaliações com nota média 4.9+!",
		Icon:        "StarIcon",
		Criteria: func(s Stats) bool {
			return s.ReviewCount >= 50 && s.Rating >= 4.9
		},
	},
	{
		ID:          "top-pro",
		Name:        "Top Pro",
		Description: "Parabéns! Você completou 100 serviços com excelência.",
		Icon:        "AwardIcon",
		Criteria: func(s Stats) bool {
			return s.TotalServices() >= 100 && s.Rating >= 4.8
		},
	},
	{
		ID:          "mestre-montagem",
		Name:        "Mestre da Montagem",
		Description: "Reconhecido pela equipe como referência em montagem de móveis.",
		Icon:        "ToolboxIcon",
	},
	{
		ID:          "super-pontual",
		Name:        "Super Pontual",
		Description: "Reconhecido pela equipe pela pontualidade nos atendimentos.",
		Icon:        "CalendarDaysIcon",
	},
}
