package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"

	"nextbt/internal/events"
)

var actionVerbs = map[events.Action]string{
	events.Created:       "created",
	events.Updated:       "updated",
	events.StatusChanged: "changed the status of",
	events.Assigned:      "assigned",
	events.Commented:     "commented on",
	events.Deleted:       "deleted",
}

type renderData struct {
	Subject string
	Actor   string
	Verb    string
	BugID   int64
	Summary string
	Project string
	Changes []events.Change
	Link    string
}

var htmlBody = template.Must(template.New("issue").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<p><strong>{{.Actor}}</strong> {{.Verb}} issue <strong>#{{.BugID}}</strong>: {{.Summary}}</p>
{{- if .Project}}
<p>Project: {{.Project}}</p>
{{- end}}
{{- if .Changes}}
<table cellpadding="4" style="border-collapse:collapse">
<tr><th align="left">Field</th><th align="left">Old</th><th align="left">New</th></tr>
{{- range .Changes}}
<tr><td>{{.Field}}</td><td>{{.Old}}</td><td>{{.New}}</td></tr>
{{- end}}
</table>
{{- end}}
{{- if .Link}}
<p><a href="{{.Link}}">{{.Link}}</a></p>
{{- end}}
</body></html>
`))

// RenderMessage builds the message sent to every recipient of ev.
func RenderMessage(is *Issue, ev events.IssueEvent, baseURL string) (Message, error) {
	summary := is.Summary
	if summary == "" {
		summary = ev.IssueSummary
	}
	project := is.ProjectName
	if project == "" {
		project = fmt.Sprintf("project %d", is.ProjectID)
	}
	actor := ev.ActorName
	if actor == "" {
		actor = "Someone"
	}
	verb, ok := actionVerbs[ev.Action]
	if !ok {
		verb = string(ev.Action)
	}

	changes := append([]events.Change(nil), ev.Changes...)
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })

	d := renderData{
		Subject: fmt.Sprintf("[%s #%d] %s", project, is.ID, summary),
		Actor:   actor,
		Verb:    verb,
		BugID:   is.ID,
		Summary: summary,
		Project: is.ProjectName,
		Changes: changes,
	}
	if baseURL = strings.TrimRight(baseURL, "/"); baseURL != "" {
		d.Link = fmt.Sprintf("%s/issues/%d", baseURL, is.ID)
	}

	var text strings.Builder
	fmt.Fprintf(&text, "%s %s issue #%d: %s\n", d.Actor, d.Verb, d.BugID, d.Summary)
	if len(changes) > 0 {
		text.WriteString("\nChanges:\n")
		for _, c := range changes {
			fmt.Fprintf(&text, "  %s: %q -> %q\n", c.Field, c.Old, c.New)
		}
	}
	if d.Link != "" {
		fmt.Fprintf(&text, "\n%s\n", d.Link)
	}

	var html bytes.Buffer
	if err := htmlBody.Execute(&html, d); err != nil {
		return Message{}, fmt.Errorf("render issue %d: %w", is.ID, err)
	}
	return Message{BugID: is.ID, Subject: d.Subject, Text: text.String(), HTML: html.String()}, nil
}
