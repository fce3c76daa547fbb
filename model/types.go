package model

// User is the public part of an account as embedded in posts and comments.
type User struct {
	UserName string `json:"userName"`
}

// Member is a group member as listed by the groups endpoint.
type Member struct {
	ID       int64  `json:"id,omitempty"`
	UserName string `json:"userName"`
}

// Tag labels groups. Usable tags can be attached to new groups.
type Tag struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Usable bool   `json:"usable"`
}

// Group is a list item returned by GET groups.
type Group struct {
	ID             int64    `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	CurrentMembers int      `json:"currentMembers"`
	MaxMembers     int      `json:"maxMembers"`
	Tags           []Tag    `json:"tags"`
	Members        []Member `json:"members"`
}

// HasMember reports whether username is listed among the group members.
func (g Group) HasMember(username string) bool {
	for _, m := range g.Members {
		if m.UserName == username {
			return true
		}
	}
	return false
}

// GroupDetail is the full view of a single group.
type GroupDetail struct {
	ID             int64  `json:"id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	CurrentMembers int    `json:"currentMembers"`
	MaxMembers     int    `json:"maxMembers"`
	Tags           []Tag  `json:"tags"`
	ImageURL       string `json:"imageUrl"`
	OwnerUser      User   `json:"ownerUser"`
	CreatedAt      string `json:"createdAt"`
}

// NewGroup is the payload for creating or editing a group.
type NewGroup struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	MaxMembers  int     `json:"maxMembers"`
	TagIDs      []int64 `json:"tagIds"`
}

// Post is a group post with its comments.
type Post struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	User        User      `json:"user"`
	DateCreated string    `json:"dateCreated"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Comments    []Comment `json:"comments"`
}

// Comment is a reply to a post.
type Comment struct {
	ID          int64  `json:"id"`
	Content     string `json:"content"`
	User        User   `json:"user"`
	DateCreated string `json:"dateCreated"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// LoginRequest is the payload for auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries the bearer token issued on login.
type LoginResponse struct {
	Token string `json:"token"`
}

// RegisterRequest is the payload for creating an account.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}
