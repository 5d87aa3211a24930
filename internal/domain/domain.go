package domain

// Member is a person registered with the association. New members start in
// status "pending" until an admin verifies their directing credits.
type Member struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Bio       string `json:"bio,omitempty"`
	Status    string `json:"status" enum:"pending,verified,suspended"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Film struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Year      int    `json:"year"`
	Synopsis  string `json:"synopsis,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Credit links a member to a film in a given role. Credits are claimed by
// members and certified (or rejected) by the association.
type Credit struct {
	ID          string  `json:"id"`
	FilmID      string  `json:"film_id"`
	MemberID    string  `json:"member_id"`
	Role        string  `json:"role"`
	Status      string  `json:"status" enum:"pending,certified,rejected"`
	CertifiedBy *string `json:"certified_by,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// Subject is anything members can register for: an association event or a
// project call. Events and projects share one table and one workflow; the
// kind drives which registration form fields apply.
type Subject struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind" enum:"event,project"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	StartsAt    *string `json:"starts_at,omitempty" format:"date-time"`
	Capacity    int     `json:"capacity,omitempty"`
	Channel     string  `json:"registration_channel" enum:"internal,external"`
	ExternalURL string  `json:"external_url,omitempty"`
	Status      string  `json:"status" enum:"draft,open,closed,archived"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// Registration records one member's registration for one subject. At most
// one row may exist per (subject, member); the schema enforces it.
type Registration struct {
	ID                  string `json:"id"`
	SubjectID           string `json:"subject_id"`
	MemberID            string `json:"member_id"`
	Status              string `json:"status" enum:"pending,confirmed"`
	Name                string `json:"name"`
	Email               string `json:"email"`
	Phone               string `json:"phone"`
	Persons             *int   `json:"persons,omitempty"`
	Organization        string `json:"organization,omitempty"`
	SpecialRequirements string `json:"special_requirements,omitempty"`
	RegisteredAt        string `json:"registered_at" format:"date-time"`
	UpdatedAt           string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	MemberID  string `json:"member_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
