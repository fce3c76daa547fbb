package hub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/habittribe/tribe/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserExists         = errors.New("user already exists")
	ErrConflict           = errors.New("already exists")
	ErrNotFound           = errors.New("not found")
	ErrGroupFull          = errors.New("group is full")
	ErrForbidden          = errors.New("forbidden")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	email         TEXT NOT NULL UNIQUE,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	is_admin      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS tags (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	name   TEXT NOT NULL UNIQUE,
	usable INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS tribe_groups (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	max_members INTEGER NOT NULL,
	owner_id    INTEGER NOT NULL REFERENCES users(id),
	created_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS group_members (
	group_id INTEGER NOT NULL REFERENCES tribe_groups(id) ON DELETE CASCADE,
	user_id  INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	PRIMARY KEY (group_id, user_id)
);
CREATE TABLE IF NOT EXISTS group_tags (
	group_id INTEGER NOT NULL REFERENCES tribe_groups(id) ON DELETE CASCADE,
	tag_id   INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	PRIMARY KEY (group_id, tag_id)
);
CREATE TABLE IF NOT EXISTS posts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id   INTEGER NOT NULL REFERENCES tribe_groups(id) ON DELETE CASCADE,
	user_id    INTEGER NOT NULL REFERENCES users(id),
	title      TEXT NOT NULL,
	image_url  TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS comments (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	post_id    INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
	user_id    INTEGER NOT NULL REFERENCES users(id),
	content    TEXT NOT NULL,
	created_at TEXT NOT NULL
);`

// Account is a stored user.
type Account struct {
	ID       int64
	Email    string
	Username string
	IsAdmin  bool
}

// Store keeps accounts, groups, posts and tags in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens the database at path and creates the schema.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// RegisterUser creates an account with a bcrypt password hash.
func (s *Store) RegisterUser(ctx context.Context, email, username, password string, admin bool) (*Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, username, password_hash, is_admin) VALUES (?, ?, ?, ?)`,
		email, username, string(hash), admin)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrUserExists
		}
		return nil, err
	}
	id, _ := res.LastInsertId()
	return &Account{ID: id, Email: email, Username: username, IsAdmin: admin}, nil
}

// Authenticate checks credentials. Unknown email and wrong password are
// indistinguishable to the caller.
func (s *Store) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	var (
		a    Account
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, username, password_hash, is_admin FROM users WHERE email = ?`, email).
		Scan(&a.ID, &a.Email, &a.Username, &hash, &a.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &a, nil
}

// SeedTags inserts names that do not exist yet.
func (s *Store) SeedTags(ctx context.Context, names []string) error {
	for _, n := range names {
		if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO tags (name, usable) VALUES (?, 1)`, n); err != nil {
			return err
		}
	}
	return nil
}

// Groups lists every group with members and tags.
func (s *Store) Groups(ctx context.Context) ([]model.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.title, g.description, g.max_members,
		       (SELECT COUNT(*) FROM group_members m WHERE m.group_id = g.id)
		FROM tribe_groups g ORDER BY g.id`)
	if err != nil {
		return nil, err
	}
	groups := []model.Group{}
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.Title, &g.Description, &g.MaxMembers, &g.CurrentMembers); err != nil {
			rows.Close()
			return nil, err
		}
		groups = append(groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range groups {
		if groups[i].Members, err = s.members(ctx, groups[i].ID); err != nil {
			return nil, err
		}
		if groups[i].Tags, err = s.groupTags(ctx, groups[i].ID); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (s *Store) members(ctx context.Context, groupID int64) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username FROM group_members m JOIN users u ON u.id = m.user_id
		WHERE m.group_id = ? ORDER BY u.username`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	members := []model.Member{}
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.ID, &m.UserName); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) groupTags(ctx context.Context, groupID int64) ([]model.Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.usable FROM group_tags gt JOIN tags t ON t.id = gt.tag_id
		WHERE gt.group_id = ? ORDER BY t.name`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTags(rows)
}

func scanTags(rows *sql.Rows) ([]model.Tag, error) {
	tags := []model.Tag{}
	for rows.Next() {
		var t model.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Usable); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// Group returns the detail view of a group.
func (s *Store) Group(ctx context.Context, id int64) (*model.GroupDetail, error) {
	var g model.GroupDetail
	err := s.db.QueryRowContext(ctx, `
		SELECT g.id, g.title, g.description, g.max_members, g.created_at, u.username,
		       (SELECT COUNT(*) FROM group_members m WHERE m.group_id = g.id)
		FROM tribe_groups g JOIN users u ON u.id = g.owner_id WHERE g.id = ?`, id).
		Scan(&g.ID, &g.Title, &g.Description, &g.MaxMembers, &g.CreatedAt, &g.OwnerUser.UserName, &g.CurrentMembers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if g.Tags, err = s.groupTags(ctx, id); err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGroup creates a group; the owner becomes its first member.
func (s *Store) CreateGroup(ctx context.Context, ownerID int64, ng model.NewGroup) (*model.GroupDetail, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tribe_groups (title, description, max_members, owner_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		ng.Title, ng.Description, ng.MaxMembers, ownerID, s.timestamp())
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	if _, err := tx.ExecContext(ctx, `INSERT INTO group_members (group_id, user_id) VALUES (?, ?)`, id, ownerID); err != nil {
		return nil, err
	}
	for _, tagID := range ng.TagIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO group_tags (group_id, tag_id) VALUES (?, ?)`, id, tagID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Group(ctx, id)
}

// AddMember adds a user to a group that has room left.
func (s *Store) AddMember(ctx context.Context, groupID, userID int64) error {
	g, err := s.Group(ctx, groupID)
	if err != nil {
		return err
	}
	if g.CurrentMembers >= g.MaxMembers {
		return ErrGroupFull
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`, groupID, userID)
	return err
}

// IsMember reports whether the user belongs to the group.
func (s *Store) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID).Scan(&n)
	return n > 0, err
}

// Posts lists the posts of a group with their comments, newest first.
func (s *Store) Posts(ctx context.Context, groupID int64) ([]model.Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.title, p.image_url, p.created_at, u.username
		FROM posts p JOIN users u ON u.id = p.user_id
		WHERE p.group_id = ? ORDER BY p.id DESC`, groupID)
	if err != nil {
		return nil, err
	}
	posts := []model.Post{}
	for rows.Next() {
		var p model.Post
		if err := rows.Scan(&p.ID, &p.Title, &p.ImageURL, &p.DateCreated, &p.User.UserName); err != nil {
			rows.Close()
			return nil, err
		}
		posts = append(posts, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range posts {
		if posts[i].Comments, err = s.comments(ctx, posts[i].ID); err != nil {
			return nil, err
		}
	}
	return posts, nil
}

func (s *Store) comments(ctx context.Context, postID int64) ([]model.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.content, c.created_at, u.username
		FROM comments c JOIN users u ON u.id = c.user_id
		WHERE c.post_id = ? ORDER BY c.id`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	comments := []model.Comment{}
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.ID, &c.Content, &c.DateCreated, &c.User.UserName); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// CreatePost stores a post and returns it with the group title.
func (s *Store) CreatePost(ctx context.Context, groupID int64, author Account, title string) (*model.Post, string, error) {
	var groupTitle string
	err := s.db.QueryRowContext(ctx, `SELECT title FROM tribe_groups WHERE id = ?`, groupID).Scan(&groupTitle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}

	created := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posts (group_id, user_id, title, created_at) VALUES (?, ?, ?, ?)`,
		groupID, author.ID, title, created)
	if err != nil {
		return nil, "", err
	}
	id, _ := res.LastInsertId()
	return &model.Post{
		ID:          id,
		Title:       title,
		User:        model.User{UserName: author.Username},
		DateCreated: created,
		Comments:    []model.Comment{},
	}, groupTitle, nil
}

// DeletePost removes a post written by author, or any post for an admin.
// It returns the group the post belonged to.
func (s *Store) DeletePost(ctx context.Context, postID int64, author Account) (int64, error) {
	var groupID, userID int64
	err := s.db.QueryRowContext(ctx, `SELECT group_id, user_id FROM posts WHERE id = ?`, postID).Scan(&groupID, &userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if userID != author.ID && !author.IsAdmin {
		return 0, ErrForbidden
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, postID); err != nil {
		return 0, err
	}
	return groupID, nil
}

// UpdatePost retitles a post written by author, or any post for an admin.
// It returns the updated post and its group.
func (s *Store) UpdatePost(ctx context.Context, postID int64, author Account, title string) (*model.Post, int64, error) {
	var (
		p       model.Post
		groupID int64
		userID  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.group_id, p.user_id, p.image_url, p.created_at, u.username
		FROM posts p JOIN users u ON u.id = p.user_id
		WHERE p.id = ?`, postID).
		Scan(&p.ID, &groupID, &userID, &p.ImageURL, &p.DateCreated, &p.User.UserName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	if userID != author.ID && !author.IsAdmin {
		return nil, 0, ErrForbidden
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE posts SET title = ? WHERE id = ?`, title, postID); err != nil {
		return nil, 0, err
	}
	p.Title = title
	if p.Comments, err = s.comments(ctx, postID); err != nil {
		return nil, 0, err
	}
	return &p, groupID, nil
}

// CreateComment stores a comment and returns it with the post's group.
func (s *Store) CreateComment(ctx context.Context, postID int64, author Account, content string) (*model.Comment, int64, error) {
	var groupID int64
	err := s.db.QueryRowContext(ctx, `SELECT group_id FROM posts WHERE id = ?`, postID).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}

	created := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (post_id, user_id, content, created_at) VALUES (?, ?, ?, ?)`,
		postID, author.ID, content, created)
	if err != nil {
		return nil, 0, err
	}
	id, _ := res.LastInsertId()
	return &model.Comment{
		ID:          id,
		Content:     content,
		User:        model.User{UserName: author.Username},
		DateCreated: created,
	}, groupID, nil
}

// Tags lists all tags.
func (s *Store) Tags(ctx context.Context) ([]model.Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, usable FROM tags ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTags(rows)
}

// CreateTag adds a tag.
func (s *Store) CreateTag(ctx context.Context, name string, usable bool) (*model.Tag, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO tags (name, usable) VALUES (?, ?)`, name, usable)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrConflict
		}
		return nil, err
	}
	id, _ := res.LastInsertId()
	return &model.Tag{ID: id, Name: name, Usable: usable}, nil
}

// UpdateTag replaces the name and usability of a tag.
func (s *Store) UpdateTag(ctx context.Context, t model.Tag) (*model.Tag, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tags SET name = ?, usable = ? WHERE id = ?`, t.Name, t.Usable, t.ID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return &t, nil
}

// DeleteTag removes a tag.
func (s *Store) DeleteTag(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
