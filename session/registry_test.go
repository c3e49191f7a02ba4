package session

import (
	"errors"
	"sync"
	"testing"
)

func testUser(id string) User       { return User{ID: id, Username: "user-" + id} }
func testProject(id string) Project { return Project{ID: id, Name: "project-" + id} }

func TestReserveCreatesProvisioningSession(t *testing.T) {
	r := NewRegistry(30000, 30010)

	sess, existing, err := r.Reserve(testUser("1"), testProject("2"), "rstudio")
	if err != nil {
		t.Fatal(err)
	}
	if existing {
		t.Fatal("expected a fresh session")
	}
	if len(sess.AccessCode) != 32 {
		t.Fatalf("expected 32-char access code, got %d chars", len(sess.AccessCode))
	}
	if sess.ProxyPort != 30000 {
		t.Fatalf("expected lowest free port 30000, got %d", sess.ProxyPort)
	}
	if sess.Routable {
		t.Fatal("fresh session must not be routable before its container is confirmed")
	}
}

func TestReserveReturnsExistingSessionForSameOwner(t *testing.T) {
	r := NewRegistry(30000, 30010)

	first, _, err := r.Reserve(testUser("1"), testProject("2"), "rstudio")
	if err != nil {
		t.Fatal(err)
	}
	second, existing, err := r.Reserve(testUser("1"), testProject("2"), "rstudio")
	if err != nil {
		t.Fatal(err)
	}
	if !existing {
		t.Fatal("expected the existing session to be returned")
	}
	if second.AccessCode != first.AccessCode {
		t.Fatalf("expected access code %s, got %s", first.AccessCode, second.AccessCode)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Len())
	}
}

func TestReserveDistinguishesAppKinds(t *testing.T) {
	r := NewRegistry(30000, 30010)

	first, _, _ := r.Reserve(testUser("1"), testProject("2"), "rstudio")
	second, existing, err := r.Reserve(testUser("1"), testProject("2"), "jupyter")
	if err != nil {
		t.Fatal(err)
	}
	if existing {
		t.Fatal("different app kind must get its own session")
	}
	if second.AccessCode == first.AccessCode {
		t.Fatal("expected distinct access codes")
	}
}

func TestConcurrentReserveCreatesExactlyOneSession(t *testing.T) {
	r := NewRegistry(30000, 30100)

	const callers = 32
	codes := make([]string, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			sess, _, err := r.Reserve(testUser("7"), testProject("3"), "rstudio")
			if err != nil {
				t.Error(err)
				return
			}
			codes[i] = sess.AccessCode
		}(i)
	}
	wg.Wait()

	if r.Len() != 1 {
		t.Fatalf("expected exactly 1 session, got %d", r.Len())
	}
	for i := 1; i < callers; i++ {
		if codes[i] != codes[0] {
			t.Fatalf("caller %d resolved code %s, caller 0 resolved %s", i, codes[i], codes[0])
		}
	}
}

func TestReserveExhaustsPortRange(t *testing.T) {
	r := NewRegistry(30000, 30002)

	for i := 0; i < 3; i++ {
		if _, _, err := r.Reserve(testUser("u"), testProject(string(rune('a'+i))), "rstudio"); err != nil {
			t.Fatal(err)
		}
	}

	_, _, err := r.Reserve(testUser("u"), testProject("z"), "rstudio")
	if !errors.Is(err, ErrAllocationExhausted) {
		t.Fatalf("expected ErrAllocationExhausted, got %v", err)
	}
}

func TestRemoveReleasesPortAndCodeForReuse(t *testing.T) {
	r := NewRegistry(30000, 30002)

	sess, _, err := r.Reserve(testUser("1"), testProject("2"), "rstudio")
	if err != nil {
		t.Fatal(err)
	}
	port := sess.ProxyPort
	r.Remove(sess.AccessCode)

	if r.Len() != 0 || r.PortsInUse() != 0 {
		t.Fatalf("expected empty registry, got %d sessions and %d ports", r.Len(), r.PortsInUse())
	}

	next, _, err := r.Reserve(testUser("1"), testProject("2"), "rstudio")
	if err != nil {
		t.Fatal(err)
	}
	if next.ProxyPort != port {
		t.Fatalf("expected released port %d to be reused, got %d", port, next.ProxyPort)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(30000, 30010)
	r.Remove("no-such-code")

	sess, _, _ := r.Reserve(testUser("1"), testProject("2"), "rstudio")
	r.Remove(sess.AccessCode)
	r.Remove(sess.AccessCode)
	if r.Len() != 0 {
		t.Fatalf("expected 0 sessions, got %d", r.Len())
	}
}

func TestInsertRejectsDuplicates(t *testing.T) {
	r := NewRegistry(30000, 30010)

	base := Session{
		AccessCode: "code-a",
		User:       testUser("1"),
		Project:    testProject("2"),
		AppKind:    "rstudio",
		ProxyPort:  30000,
	}
	if err := r.Insert(base); err != nil {
		t.Fatal(err)
	}

	dupCode := base
	dupCode.Project = testProject("9")
	if err := r.Insert(dupCode); !errors.Is(err, ErrDuplicateAccessCode) {
		t.Fatalf("expected ErrDuplicateAccessCode, got %v", err)
	}

	dupPort := base
	dupPort.AccessCode = "code-b"
	dupPort.Project = testProject("9")
	if err := r.Insert(dupPort); !errors.Is(err, ErrDuplicatePort) {
		t.Fatalf("expected ErrDuplicatePort, got %v", err)
	}

	dupOwner := base
	dupOwner.AccessCode = "code-c"
	dupOwner.ProxyPort = 30001
	if err := r.Insert(dupOwner); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
}

func TestMarkRoutableOpensSessionForRouting(t *testing.T) {
	r := NewRegistry(30000, 30010)
	sess, _, _ := r.Reserve(testUser("1"), testProject("2"), "rstudio")

	if _, err := r.FindRoutable(sess.AccessCode); !errors.Is(err, ErrSessionNotReady) {
		t.Fatalf("expected ErrSessionNotReady before container confirmation, got %v", err)
	}

	updated, err := r.MarkRoutable(sess.AccessCode, "container-123")
	if err != nil {
		t.Fatal(err)
	}
	if updated.ContainerID != "container-123" {
		t.Fatalf("expected container-123, got %s", updated.ContainerID)
	}

	routable, err := r.FindRoutable(sess.AccessCode)
	if err != nil {
		t.Fatal(err)
	}
	if routable.Target() != "127.0.0.1:30000" {
		t.Fatalf("expected target 127.0.0.1:30000, got %s", routable.Target())
	}
}

func TestFindRoutableUnknownCode(t *testing.T) {
	r := NewRegistry(30000, 30010)
	if _, err := r.FindRoutable("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestAdoptRoutableAllocatesFreshPortAndKeepsCode(t *testing.T) {
	r := NewRegistry(30000, 30010)

	adopted, err := r.AdoptRoutable(Session{
		AccessCode:  "label-code",
		User:        testUser("7"),
		Project:     testProject("3"),
		AppKind:     "rstudio",
		ContainerID: "container-A",
	})
	if err != nil {
		t.Fatal(err)
	}
	if adopted.AccessCode != "label-code" {
		t.Fatalf("expected access code preserved, got %s", adopted.AccessCode)
	}
	if adopted.ProxyPort != 30000 {
		t.Fatalf("expected freshly allocated port 30000, got %d", adopted.ProxyPort)
	}
	if !adopted.Routable {
		t.Fatal("adopted session must be routable immediately")
	}

	if _, err := r.AdoptRoutable(Session{AccessCode: "label-code", User: testUser("9"), Project: testProject("9")}); !errors.Is(err, ErrDuplicateAccessCode) {
		t.Fatalf("expected ErrDuplicateAccessCode, got %v", err)
	}
}

func TestListByUserPreservesInsertionOrder(t *testing.T) {
	r := NewRegistry(30000, 30010)

	first, _, _ := r.Reserve(testUser("1"), testProject("a"), "rstudio")
	r.Reserve(testUser("2"), testProject("b"), "rstudio")
	second, _, _ := r.Reserve(testUser("1"), testProject("c"), "jupyter")

	sessions := r.ListByUser("1")
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].AccessCode != first.AccessCode || sessions[1].AccessCode != second.AccessCode {
		t.Fatal("expected sessions in insertion order")
	}
}

func TestContainerIDsExcludesProvisioningSessions(t *testing.T) {
	r := NewRegistry(30000, 30010)

	provisioning, _, _ := r.Reserve(testUser("1"), testProject("a"), "rstudio")
	ready, _, _ := r.Reserve(testUser("2"), testProject("b"), "rstudio")
	r.MarkRoutable(ready.AccessCode, "container-B")

	ids := r.ContainerIDs()
	if len(ids) != 1 || ids[0] != "container-B" {
		t.Fatalf("expected [container-B], got %v", ids)
	}
	_ = provisioning
}

func TestReserveRetriesOnCodeCollision(t *testing.T) {
	r := NewRegistry(30000, 30010)

	calls := 0
	r.gen = func() string {
		calls++
		if calls == 1 {
			return "colliding-code"
		}
		return GenerateAccessCode()
	}

	if err := r.Insert(Session{AccessCode: "colliding-code", User: testUser("9"), Project: testProject("9"), AppKind: "rstudio", ProxyPort: 30009}); err != nil {
		t.Fatal(err)
	}

	sess, _, err := r.Reserve(testUser("1"), testProject("2"), "rstudio")
	if err != nil {
		t.Fatal(err)
	}
	if sess.AccessCode == "colliding-code" {
		t.Fatal("expected collision to be regenerated")
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 generator calls, got %d", calls)
	}
}
