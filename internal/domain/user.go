package domain

// Profile is the display metadata attached to a participant when rendering
// a roster. It lives outside the voice core and is looked up by user id.
type Profile struct {
	UserID    UserID `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}
