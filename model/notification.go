package model

// Hub method names. The first two are invoked by the client, the rest are
// pushed by the server.
const (
	MethodJoinGroup  = "JoinGroup"
	MethodLeaveGroup = "LeaveGroup"

	EventNewPost     = "NewPost"
	EventPostDeleted = "PostDeleted"
	EventPostUpdated = "PostUpdated"
	EventNewComment  = "NewComment"
)

// PostNotification announces a new post in a joined group.
type PostNotification struct {
	PostID     int64  `json:"postId"`
	GroupID    int64  `json:"groupId"`
	GroupTitle string `json:"groupTitle"`
	PostTitle  string `json:"postTitle"`
	AuthorName string `json:"authorName"`
	CreatedAt  string `json:"createdAt"`
}

// PostDeletedNotification announces a removed post.
type PostDeletedNotification struct {
	GroupID int64 `json:"groupId"`
	PostID  int64 `json:"postId"`
}

// PostUpdatedNotification carries the new state of an edited post.
type PostUpdatedNotification struct {
	GroupID int64 `json:"groupId"`
	Post    Post  `json:"post"`
}

// CommentNotification announces a new comment on a post.
type CommentNotification struct {
	GroupID int64   `json:"groupId"`
	PostID  int64   `json:"postId"`
	Comment Comment `json:"comment"`
}
