package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/habittribe/tribe/model"
)

var (
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	groupStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	authorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)

	liveStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("160"))

	toastStyles = map[model.Severity]lipgloss.Style{
		model.SeveritySuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		model.SeverityInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		model.SeverityWarn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		model.SeverityError:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
)

// feedLine renders one feed entry as
//
//	│ 15:04 │ Group title │ text
//
// wrapping text under its own column.
func feedLine(at time.Time, group, text string, width int) string {
	if width < 50 {
		width = 80
	}
	vLine := borderStyle.Render("│")
	prefix := fmt.Sprintf("%s %s %s %s %s ", vLine, timeStyle.Render(at.Format("15:04")), vLine, groupStyle.Render(group), vLine)
	prefixWidth := lipgloss.Width(prefix)

	textWidth := width - prefixWidth
	if textWidth < 10 {
		textWidth = 10
	}
	lines := strings.Split(lipgloss.NewStyle().Width(textWidth).Render(text), "\n")

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(lines[0])
	if len(lines) > 1 {
		indent := fmt.Sprintf("%s %s %s %s %s ",
			vLine, strings.Repeat(" ", 5), vLine, strings.Repeat(" ", lipgloss.Width(group)), vLine)
		for _, l := range lines[1:] {
			b.WriteString("\n")
			b.WriteString(indent)
			b.WriteString(l)
		}
	}
	return b.String()
}

func groupLabel(id int64, title string) string {
	if title != "" {
		return title
	}
	return fmt.Sprintf("group %d", id)
}

func postText(n model.PostNotification) string {
	return authorStyle.Render(n.AuthorName) + " posted " + fmt.Sprintf("%q", n.PostTitle) + dimStyle.Render(fmt.Sprintf(" #%d", n.PostID))
}

func commentText(n model.CommentNotification) string {
	return authorStyle.Render(n.Comment.User.UserName) + " commented on " + dimStyle.Render(fmt.Sprintf("#%d", n.PostID)) + ": " + n.Comment.Content
}

func updatedText(n model.PostUpdatedNotification) string {
	return authorStyle.Render(n.Post.User.UserName) + " edited " + fmt.Sprintf("%q", n.Post.Title) + dimStyle.Render(fmt.Sprintf(" #%d", n.Post.ID))
}

func deletedText(n model.PostDeletedNotification) string {
	return dimStyle.Render(fmt.Sprintf("post #%d was removed", n.PostID))
}

func toastLine(t model.Toast) string {
	style, ok := toastStyles[t.Severity]
	if !ok {
		style = toastStyles[model.SeverityInfo]
	}
	return style.Render(t.Summary + ": " + t.Detail)
}

// groupList renders the groups table, marking the ones username belongs to.
func groupList(groups []model.Group, username string) []string {
	if len(groups) == 0 {
		return []string{dimStyle.Render("no groups yet")}
	}
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		mark := " "
		if g.HasMember(username) {
			mark = liveStyle.Render("*")
		}
		tags := make([]string, 0, len(g.Tags))
		for _, t := range g.Tags {
			tags = append(tags, t.Name)
		}
		line := fmt.Sprintf("%s %3d  %s  %d/%d", mark, g.ID, groupStyle.Render(g.Title), g.CurrentMembers, g.MaxMembers)
		if len(tags) > 0 {
			line += "  " + dimStyle.Render(strings.Join(tags, ", "))
		}
		out = append(out, line)
	}
	return out
}

func statusLine(user string, connected bool, width int) string {
	indicator := offlineStyle.Render("○ offline")
	if connected {
		indicator = liveStyle.Render("● live")
	}
	who := dimStyle.Render("not logged in, /login <email> <password>")
	if user != "" {
		who = authorStyle.Render(user)
	}
	gap := width - lipgloss.Width(indicator) - lipgloss.Width(who) - 1
	if gap < 1 {
		gap = 1
	}
	return who + strings.Repeat(" ", gap) + indicator
}

// filterGroups keeps the groups whose title contains filter, ignoring case.
func filterGroups(groups []model.Group, filter string) []model.Group {
	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter == "" {
		return groups
	}
	out := make([]model.Group, 0, len(groups))
	for _, g := range groups {
		if strings.Contains(strings.ToLower(g.Title), filter) {
			out = append(out, g)
		}
	}
	return out
}

// groupDetail renders a group header followed by its posts and comments.
func groupDetail(g model.GroupDetail, posts []model.Post) []string {
	out := []string{
		groupStyle.Render(g.Title) + dimStyle.Render(fmt.Sprintf(" #%d  %d/%d members", g.ID, g.CurrentMembers, g.MaxMembers)),
	}
	if g.OwnerUser.UserName != "" {
		out = append(out, "owner "+authorStyle.Render(g.OwnerUser.UserName))
	}
	if g.Description != "" {
		out = append(out, g.Description)
	}
	if len(g.Tags) > 0 {
		names := make([]string, len(g.Tags))
		for i, t := range g.Tags {
			names[i] = t.Name
		}
		out = append(out, dimStyle.Render(strings.Join(names, ", ")))
	}
	if len(posts) == 0 {
		return append(out, dimStyle.Render("no posts yet"))
	}
	for _, p := range posts {
		out = append(out, fmt.Sprintf("%s %s %q", dimStyle.Render(fmt.Sprintf("#%d", p.ID)), authorStyle.Render(p.User.UserName), p.Title))
		for _, c := range p.Comments {
			out = append(out, "    "+authorStyle.Render(c.User.UserName)+": "+c.Content)
		}
	}
	return out
}

func tagList(tags []model.Tag) []string {
	if len(tags) == 0 {
		return []string{dimStyle.Render("no tags yet")}
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		state := "usable"
		if !t.Usable {
			state = "retired"
		}
		out = append(out, fmt.Sprintf("%3d  %s  %s", t.ID, t.Name, dimStyle.Render(state)))
	}
	return out
}
