package notify

import (
	"context"
	"database/sql"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// Every connection to :memory: is a new database; keep a single one.
	db.SetMaxOpenConns(1)

	if err := Migrate(db, testLogger()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type testUser struct {
	name       string
	email      string
	disabled   bool
	pushover   bool
	rocketchat bool
	teams      bool
}

func addUser(t *testing.T, db *sql.DB, u testUser) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (username, realname, email, enabled,
		pushover_enabled, rocketchat_enabled, teams_enabled) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.name, u.name+" Realname", u.email, boolInt(!u.disabled),
		boolInt(u.pushover), boolInt(u.rocketchat), boolInt(u.teams))
	if err != nil {
		t.Fatal(err)
	}
	id, _ := res.LastInsertId()
	return id
}

func addProject(t *testing.T, db *sql.DB, name string, members ...int64) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO projects (name) VALUES (?)`, name)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := res.LastInsertId()
	for _, m := range members {
		if _, err := db.Exec(`INSERT INTO project_members (project_id, user_id) VALUES (?, ?)`, id, m); err != nil {
			t.Fatal(err)
		}
	}
	return id
}

type testBug struct {
	project  int64
	reporter int64
	handler  int64
	severity int
	priority int
	category string
	summary  string
	tags     []string
}

func addBug(t *testing.T, db *sql.DB, b testBug) int64 {
	t.Helper()
	var catID int64
	if b.category != "" {
		res, err := db.Exec(`INSERT INTO categories (project_id, name) VALUES (?, ?)`, b.project, b.category)
		if err != nil {
			t.Fatal(err)
		}
		catID, _ = res.LastInsertId()
	}
	if b.severity == 0 {
		b.severity = SeverityMinor
	}
	if b.priority == 0 {
		b.priority = 30
	}
	res, err := db.Exec(`INSERT INTO bugs (project_id, reporter_id, handler_id, severity, priority,
		category_id, summary) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.project, b.reporter, b.handler, b.severity, b.priority, catID, b.summary)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := res.LastInsertId()
	for _, tag := range b.tags {
		if _, err := db.Exec(`INSERT INTO bug_tags (bug_id, tag) VALUES (?, ?)`, id, tag); err != nil {
			t.Fatal(err)
		}
	}
	return id
}

// enableAll stores a preference that opts into every event at minSev.
func enableAll(t *testing.T, db *sql.DB, userID int64, minSev int) {
	t.Helper()
	p := &NotificationPreference{UserID: userID, Rules: map[EventType]EventRule{}}
	for _, e := range AllEventTypes() {
		p.Rules[e] = EventRule{Enabled: true, MinSeverity: minSev}
	}
	if err := SavePreference(context.Background(), db, p); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := Migrate(db, testLogger()); err != nil {
		t.Fatalf("second migration: %v", err)
	}
}

func TestGetIssueLoadsJoinsAndTags(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := addUser(t, db, testUser{name: "alice", email: "alice@example.com"})
	proj := addProject(t, db, "Backend", alice)
	bug := addBug(t, db, testBug{
		project: proj, reporter: alice, severity: SeverityMajor,
		category: "API", summary: "Crash on login", tags: []string{"security", "login"},
	})

	is, err := GetIssue(ctx, db, bug)
	if err != nil {
		t.Fatal(err)
	}
	if is == nil {
		t.Fatal("expected issue")
	}
	if is.ProjectName != "Backend" || is.Category != "API" || is.Severity != SeverityMajor {
		t.Errorf("unexpected issue: %+v", is)
	}
	if len(is.Tags) != 2 || is.Tags[0] != "login" || is.Tags[1] != "security" {
		t.Errorf("expected sorted tags, got %v", is.Tags)
	}
}

func TestGetIssueMissingReturnsNil(t *testing.T) {
	db := setupTestDB(t)
	is, err := GetIssue(context.Background(), db, 999)
	if err != nil {
		t.Fatal(err)
	}
	if is != nil {
		t.Errorf("expected nil issue, got %+v", is)
	}
}

func TestListProjectMembersIncludesDisabled(t *testing.T) {
	db := setupTestDB(t)
	a := addUser(t, db, testUser{name: "bob", email: "bob@example.com"})
	b := addUser(t, db, testUser{name: "ann", email: "ann@example.com", disabled: true, teams: true})
	proj := addProject(t, db, "P", a, b)

	members, err := ListProjectMembers(context.Background(), db, proj)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[0].Username != "ann" || members[0].Enabled || !members[0].Teams {
		t.Errorf("unexpected first member: %+v", members[0])
	}
}

func TestGetUserUnknown(t *testing.T) {
	db := setupTestDB(t)
	u, err := GetUser(context.Background(), db, 42)
	if err != nil {
		t.Fatal(err)
	}
	if u != nil {
		t.Errorf("expected nil, got %+v", u)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	uid := addUser(t, db, testUser{name: "carol", email: "carol@example.com"})

	sub := &WebPushSubscription{UserID: uid, Endpoint: "https://push.example/1", P256dh: "k", Auth: "a"}
	if _, err := SaveSubscription(ctx, db, sub); err != nil {
		t.Fatal(err)
	}
	// Same endpoint again updates in place.
	sub.Auth = "b"
	if _, err := SaveSubscription(ctx, db, sub); err != nil {
		t.Fatal(err)
	}

	subs, err := ListSubscriptions(ctx, db, []int64{uid})
	if err != nil {
		t.Fatal(err)
	}
	if len(subs[uid]) != 1 || subs[uid][0].Auth != "b" {
		t.Fatalf("expected one updated subscription, got %+v", subs[uid])
	}

	if err := DisableSubscription(ctx, db, subs[uid][0].ID); err != nil {
		t.Fatal(err)
	}
	subs, err = ListSubscriptions(ctx, db, []int64{uid})
	if err != nil {
		t.Fatal(err)
	}
	if len(subs[uid]) != 0 {
		t.Errorf("disabled subscription still listed: %+v", subs[uid])
	}
}

func TestSQLTimeScan(t *testing.T) {
	var st sqlTime
	if err := st.Scan("2025-03-04 05:06:07"); err != nil {
		t.Fatal(err)
	}
	if !st.Valid || st.Time.Hour() != 5 || st.Time.Minute() != 6 {
		t.Errorf("unexpected scan result: %+v", st)
	}
	if err := st.Scan(nil); err != nil || st.Valid || st.ptr() != nil {
		t.Errorf("nil should scan to invalid, got %+v", st)
	}
	if err := st.Scan(42); err == nil {
		t.Error("expected error for int")
	}
}
