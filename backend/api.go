package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/habittribe/tribe/model"
)

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, req model.LoginRequest) (string, error) {
	var resp model.LoginResponse
	if err := c.Do(ctx, http.MethodPost, "auth/login", req, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("backend: login response carried no token")
	}
	return resp.Token, nil
}

// Logout ends the server side session.
func (c *Client) Logout(ctx context.Context) error {
	return c.Do(ctx, http.MethodGet, "auth/logout", nil, nil)
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, req model.RegisterRequest) error {
	return c.Do(ctx, http.MethodPost, "accounts", req, nil)
}

// Groups lists every group with its members and tags.
func (c *Client) Groups(ctx context.Context) ([]model.Group, error) {
	var groups []model.Group
	if err := c.Do(ctx, http.MethodGet, "groups", nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// Group returns the detail view of one group.
func (c *Client) Group(ctx context.Context, id int64) (*model.GroupDetail, error) {
	var g model.GroupDetail
	if err := c.Do(ctx, http.MethodGet, fmt.Sprintf("group/%d", id), nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGroup creates a group owned by the caller.
func (c *Client) CreateGroup(ctx context.Context, g model.NewGroup) (*model.GroupDetail, error) {
	var out model.GroupDetail
	if err := c.Do(ctx, http.MethodPost, "group", g, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinGroup adds the caller to a group's members.
func (c *Client) JoinGroup(ctx context.Context, groupID int64) error {
	return c.Do(ctx, http.MethodPost, fmt.Sprintf("group/%d/members", groupID), nil, nil)
}

// Posts lists the posts of a group, newest first.
func (c *Client) Posts(ctx context.Context, groupID int64) ([]model.Post, error) {
	var posts []model.Post
	if err := c.Do(ctx, http.MethodGet, fmt.Sprintf("group/%d/posts", groupID), nil, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// CreatePost publishes a post in a group.
func (c *Client) CreatePost(ctx context.Context, groupID int64, title string) (*model.Post, error) {
	var p model.Post
	body := struct {
		Title string `json:"title"`
	}{title}
	if err := c.Do(ctx, http.MethodPost, fmt.Sprintf("groups/%d/posts", groupID), body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePost changes the title of a post.
func (c *Client) UpdatePost(ctx context.Context, postID int64, title string) (*model.Post, error) {
	var p model.Post
	body := struct {
		Title string `json:"title"`
	}{title}
	if err := c.Do(ctx, http.MethodPut, fmt.Sprintf("posts/%d", postID), body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePost removes a post.
func (c *Client) DeletePost(ctx context.Context, postID int64) error {
	return c.Do(ctx, http.MethodDelete, fmt.Sprintf("posts/%d", postID), nil, nil)
}

// CreateComment replies to a post.
func (c *Client) CreateComment(ctx context.Context, postID int64, content string) (*model.Comment, error) {
	var cm model.Comment
	body := struct {
		Content string `json:"content"`
	}{content}
	if err := c.Do(ctx, http.MethodPost, fmt.Sprintf("posts/%d/comments", postID), body, &cm); err != nil {
		return nil, err
	}
	return &cm, nil
}

// Tags lists all tags.
func (c *Client) Tags(ctx context.Context) ([]model.Tag, error) {
	var tags []model.Tag
	if err := c.Do(ctx, http.MethodGet, "tags", nil, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// CreateTag adds a tag. Admin only on the server side.
func (c *Client) CreateTag(ctx context.Context, name string, usable bool) (*model.Tag, error) {
	var t model.Tag
	in := model.Tag{Name: name, Usable: usable}
	if err := c.Do(ctx, http.MethodPost, "tags", in, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTag replaces a tag.
func (c *Client) UpdateTag(ctx context.Context, tag model.Tag) (*model.Tag, error) {
	var t model.Tag
	if err := c.Do(ctx, http.MethodPut, fmt.Sprintf("tags/%d", tag.ID), tag, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTag removes a tag.
func (c *Client) DeleteTag(ctx context.Context, id int64) error {
	return c.Do(ctx, http.MethodDelete, fmt.Sprintf("tags/%d", id), nil, nil)
}

// MemberGroupIDs returns the IDs of every group listing username as a
// member.
func (c *Client) MemberGroupIDs(ctx context.Context, username string) ([]int64, error) {
	groups, err := c.Groups(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, g := range groups {
		if g.HasMember(username) {
			ids = append(ids, g.ID)
		}
	}
	return ids, nil
}
