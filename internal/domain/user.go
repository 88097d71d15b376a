package domain

// UserRef references a user. Name is optional on the wire.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ListingRef references the listing a chat is about.
type ListingRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// User is the signed-in user as returned by login.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name"`
}

// Ref returns the reference form of the user.
func (u *User) Ref() UserRef {
	return UserRef{ID: u.ID, Name: u.Name}
}
