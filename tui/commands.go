package tui

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/habittribe/tribe/app"
	"github.com/habittribe/tribe/model"
)

var (
	errNotLoggedIn    = errors.New("not logged in, use /login <email> <password>")
	errSessionExpired = errors.New("session expired, log in again with /login <email> <password>")
	errNotAdmin       = errors.New("administrator role required")
)

var helpLines = []string{
	"/login <email> <password>      log in",
	"/register <email> <username> <password> <confirm>",
	"/logout                        log out",
	"/groups [filter]               list groups (* = member), filtered by title",
	"/group <groupId>               group details and posts",
	"/newgroup <maxMembers> <title> [| description]",
	"/joined                        groups receiving notifications",
	"/join <groupId>                join a group and follow it",
	"/leave <groupId>               stop following a group",
	"/post <groupId> <title>        post to a group",
	"/editpost <postId> <title>     change a post title",
	"/delpost <postId>              delete a post",
	"/comment <postId> <text>       comment on a post",
	"/tags                          list tags",
	"/tag add <name>                add a tag (admin)",
	"/tag rename <tagId> <name>     rename a tag (admin)",
	"/tag usable <tagId> on|off     allow or retire a tag for new groups (admin)",
	"/tag rm <tagId>                delete a tag (admin)",
	"/quit                          exit",
}

// command is a parsed prompt line.
type command struct {
	name string
	args []string
	rest string // text after the leading args
}

// parseCommand splits "/name a b free text" keeping the text after the
// first fixed args intact.
func parseCommand(input string, fixed int) (command, bool) {
	if !strings.HasPrefix(input, "/") {
		return command{}, false
	}
	fields := strings.Fields(input)
	c := command{name: strings.TrimPrefix(fields[0], "/")}
	rest := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))
	for i := 0; i < fixed && rest != ""; i++ {
		word, tail, _ := strings.Cut(rest, " ")
		c.args = append(c.args, word)
		rest = strings.TrimSpace(tail)
	}
	c.rest = rest
	return c, true
}

// fixedArgs is the number of single-word arguments before free text.
var fixedArgs = map[string]int{
	"groups":   0,
	"newgroup": 1,
	"post":     1,
	"editpost": 1,
	"comment":  1,
	"tag":      2,
}

func (m Model) execute(input string) tea.Cmd {
	name := strings.TrimPrefix(strings.Fields(input)[0], "/")
	fixed, ok := fixedArgs[name]
	if !ok {
		fixed = 4
	}
	c, ok := parseCommand(input, fixed)
	if !ok {
		return output("Commands start with /. Type /help for the list.")
	}

	switch c.name {
	case "help":
		return output(helpLines...)
	case "quit", "exit":
		return tea.Quit
	case "login":
		if len(c.args) != 2 {
			return output("Usage: /login <email> <password>")
		}
		return m.run(func() ([]string, error) {
			// failures are toasted by the app
			_ = m.app.Login(m.ctx, c.args[0], c.args[1])
			return nil, nil
		})
	case "register":
		if len(c.args) != 4 {
			return output("Usage: /register <email> <username> <password> <confirm>")
		}
		return m.run(func() ([]string, error) {
			_ = m.app.Register(m.ctx, app.RegisterForm{
				Email: c.args[0], Username: c.args[1], Password: c.args[2], ConfirmPassword: c.args[3],
			})
			return nil, nil
		})
	}

	if !m.app.Session.Current().Authenticated() {
		return fail(errNotLoggedIn)
	}
	if m.app.Session.IsTokenExpired() {
		return fail(errSessionExpired)
	}

	switch c.name {
	case "logout":
		return m.run(func() ([]string, error) {
			// the local session is cleared even when this fails
			if err := m.app.Logout(m.ctx); err != nil {
				return []string{"Logged out locally; the server did not confirm."}, nil
			}
			return []string{"Logged out."}, nil
		})
	case "groups":
		return m.run(func() ([]string, error) {
			groups, err := m.app.Backend.Groups(m.ctx)
			if err != nil {
				return nil, err
			}
			return groupList(filterGroups(groups, c.rest), m.app.Session.Username()), nil
		})
	case "group":
		id, err := idArg(c, "Usage: /group <groupId>")
		if err != nil {
			return fail(err)
		}
		return m.run(func() ([]string, error) {
			g, err := m.app.Backend.Group(m.ctx, id)
			if err != nil {
				return nil, err
			}
			posts, err := m.app.Backend.Posts(m.ctx, id)
			if err != nil {
				return nil, err
			}
			return groupDetail(*g, posts), nil
		})
	case "newgroup":
		const usage = "Usage: /newgroup <maxMembers> <title> [| description]"
		size, err := idArg(c, usage)
		title, desc, _ := strings.Cut(c.rest, "|")
		title = strings.TrimSpace(title)
		if err != nil || title == "" {
			return output(usage)
		}
		return m.run(func() ([]string, error) {
			g, err := m.app.Backend.CreateGroup(m.ctx, model.NewGroup{
				Title:       title,
				Description: strings.TrimSpace(desc),
				MaxMembers:  int(size),
			})
			if err != nil {
				return nil, err
			}
			return []string{fmt.Sprintf("Created group #%d %q.", g.ID, g.Title)}, nil
		})
	case "joined":
		ids := m.app.Realtime.JoinedGroups()
		if len(ids) == 0 {
			return output("Not following any group.")
		}
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return output("Following groups " + strings.Join(parts, ", "))
	case "join":
		id, err := idArg(c, "Usage: /join <groupId>")
		if err != nil {
			return fail(err)
		}
		return m.run(func() ([]string, error) {
			if err := m.app.Backend.JoinGroup(m.ctx, id); err != nil {
				return nil, err
			}
			if err := m.app.Realtime.JoinGroup(m.ctx, id); err != nil {
				return nil, err
			}
			return []string{fmt.Sprintf("Joined group %d.", id)}, nil
		})
	case "leave":
		id, err := idArg(c, "Usage: /leave <groupId>")
		if err != nil {
			return fail(err)
		}
		return m.run(func() ([]string, error) {
			if err := m.app.Realtime.LeaveGroup(m.ctx, id); err != nil {
				return nil, err
			}
			return []string{fmt.Sprintf("Stopped following group %d.", id)}, nil
		})
	case "post":
		id, err := idArg(c, "Usage: /post <groupId> <title>")
		if err != nil || c.rest == "" {
			return output("Usage: /post <groupId> <title>")
		}
		return m.run(func() ([]string, error) {
			p, err := m.app.Backend.CreatePost(m.ctx, id, c.rest)
			if err != nil {
				return nil, err
			}
			return []string{fmt.Sprintf("Posted #%d.", p.ID)}, nil
		})
	case "editpost":
		id, err := idArg(c, "Usage: /editpost <postId> <title>")
		if err != nil || c.rest == "" {
			return output("Usage: /editpost <postId> <title>")
		}
		return m.run(func() ([]string, error) {
			if _, err := m.app.Backend.UpdatePost(m.ctx, id, c.rest); err != nil {
				return nil, err
			}
			return []string{fmt.Sprintf("Updated #%d.", id)}, nil
		})
	case "delpost":
		id, err := idArg(c, "Usage: /delpost <postId>")
		if err != nil {
			return fail(err)
		}
		return m.run(func() ([]string, error) {
			if err := m.app.Backend.DeletePost(m.ctx, id); err != nil {
				return nil, err
			}
			return []string{fmt.Sprintf("Deleted #%d.", id)}, nil
		})
	case "tags":
		return m.run(func() ([]string, error) {
			tags, err := m.app.Backend.Tags(m.ctx)
			if err != nil {
				return nil, err
			}
			return tagList(tags), nil
		})
	case "tag":
		if !m.app.Session.IsAdmin() {
			return fail(errNotAdmin)
		}
		return m.tagCommand(c)
	case "comment":
		id, err := idArg(c, "Usage: /comment <postId> <text>")
		if err != nil || c.rest == "" {
			return output("Usage: /comment <postId> <text>")
		}
		return m.run(func() ([]string, error) {
			if _, err := m.app.Backend.CreateComment(m.ctx, id, c.rest); err != nil {
				return nil, err
			}
			return []string{fmt.Sprintf("Commented on #%d.", id)}, nil
		})
	}
	return output(fmt.Sprintf("Unknown command /%s. Type /help for the list.", c.name))
}

const tagUsage = "Usage: /tag add <name> | rename <tagId> <name> | usable <tagId> on|off | rm <tagId>"

// tagCommand runs the admin tag subcommands.
func (m Model) tagCommand(c command) tea.Cmd {
	if len(c.args) == 0 {
		return output(tagUsage)
	}
	if c.args[0] == "add" {
		if len(c.args) < 2 {
			return output(tagUsage)
		}
		name := strings.TrimSpace(c.args[1] + " " + c.rest)
		return m.run(func() ([]string, error) {
			t, err := m.app.Backend.CreateTag(m.ctx, name, true)
			if err != nil {
				return nil, err
			}
			return []string{fmt.Sprintf("Added tag #%d %s.", t.ID, t.Name)}, nil
		})
	}

	id, err := idArg(command{args: c.args[1:]}, tagUsage)
	if err != nil {
		return output(tagUsage)
	}
	switch c.args[0] {
	case "rm":
		return m.run(func() ([]string, error) {
			if err := m.app.Backend.DeleteTag(m.ctx, id); err != nil {
				return nil, err
			}
			return []string{fmt.Sprintf("Deleted tag #%d.", id)}, nil
		})
	case "rename", "usable":
		if c.rest == "" || (c.args[0] == "usable" && c.rest != "on" && c.rest != "off") {
			return output(tagUsage)
		}
		return m.run(func() ([]string, error) {
			tags, err := m.app.Backend.Tags(m.ctx)
			if err != nil {
				return nil, err
			}
			idx := slices.IndexFunc(tags, func(t model.Tag) bool { return t.ID == id })
			if idx < 0 {
				return nil, fmt.Errorf("no tag #%d", id)
			}
			t := tags[idx]
			if c.args[0] == "rename" {
				t.Name = c.rest
			} else {
				t.Usable = c.rest == "on"
			}
			out, err := m.app.Backend.UpdateTag(m.ctx, t)
			if err != nil {
				return nil, err
			}
			return tagList([]model.Tag{*out}), nil
		})
	}
	return output(tagUsage)
}

func idArg(c command, usage string) (int64, error) {
	if len(c.args) < 1 {
		return 0, errors.New(usage)
	}
	id, err := strconv.ParseInt(c.args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New(usage)
	}
	return id, nil
}

// run executes fn off the update loop.
func (m Model) run(fn func() ([]string, error)) tea.Cmd {
	return func() tea.Msg {
		lines, err := fn()
		if err != nil {
			return errMsg{err}
		}
		if len(lines) == 0 {
			return nil
		}
		return outputMsg{lines}
	}
}

func output(lines ...string) tea.Cmd {
	return func() tea.Msg { return outputMsg{lines} }
}

func fail(err error) tea.Cmd {
	return func() tea.Msg { return errMsg{err} }
}
