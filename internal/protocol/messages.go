package protocol

// InfectionEvent records one transmission: who infected whom, where, and
// under which interaction type.
type InfectionEvent struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`

	Day  int     `json:"day"`
	Time float64 `json:"time"`

	Infector      string `json:"infector"`
	Infected      string `json:"infected"`
	InfectionType string `json:"infection_type"`
	ContainerID   string `json:"container_id"`
	ContainerKind string `json:"container_kind"`
}

// DayReport summarizes one simulated day. Sent to observers and indexed
// in the run database.
type DayReport struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`

	Day  int    `json:"day"`
	Date string `json:"date"`

	// Population counts by disease status.
	Susceptible              int `json:"susceptible"`
	InfectedButNotContagious int `json:"infected_but_not_contagious"`
	Contagious               int `json:"contagious"`
	ShowingSymptoms          int `json:"showing_symptoms"`
	SeriouslySick            int `json:"seriously_sick"`
	Critical                 int `json:"critical"`
	Recovered                int `json:"recovered"`

	NewInfections    int            `json:"new_infections"`
	InfectionsByType map[string]int `json:"infections_by_type,omitempty"`

	// Active restriction identity string per activity category
	// ("<fraction>_<tier>", the stable CSV surface).
	Restrictions map[string]string `json:"restrictions,omitempty"`
}

// Client -> Server. First message on the observer WS connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// FromDay requests a backfill of reports starting at this day.
	FromDay int `json:"from_day,omitempty"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string `json:"protocol_version"`

	RunID        string `json:"run_id"`
	Scenario     string `json:"scenario"`
	Seed         int64  `json:"seed"`
	StartDate    string `json:"start_date"`
	Days         int    `json:"days"`
	CurrentDay   int    `json:"current_day"`
	ParamsDigest string `json:"params_digest"`
}
