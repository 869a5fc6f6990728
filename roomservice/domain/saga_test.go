package domain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OritPerlman/Hotel/events"
)

var testSagaConfig = SagaConfig{
	StatusAttempts: 3,
	RetryInitial:   time.Millisecond,
	RetryMax:       2 * time.Millisecond,
	StepTimeout:    time.Second,
}

type fakeMembership struct {
	mu             sync.Mutex
	rooms          map[string]*Room
	removeFailures int
	removeCalls    int
	staleCalls     int

	// addHook runs after a successful AddMember, outside the lock.
	addHook func()
}

func newFakeMembership(rooms ...Room) *fakeMembership {
	m := &fakeMembership{rooms: map[string]*Room{}}
	for i := range rooms {
		r := rooms[i]
		m.rooms[r.ID] = &r
	}
	return m
}

func (m *fakeMembership) Get(ctx context.Context, roomID string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	cpy := *r
	cpy.Members = append([]string(nil), r.Members...)
	return cpy, nil
}

func (m *fakeMembership) AddMember(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	if contains(r.Members, userID) {
		m.mu.Unlock()
		return nil
	}
	if len(r.Members) >= r.Capacity {
		m.mu.Unlock()
		return ErrRoomFull
	}
	r.Members = append(r.Members, userID)
	m.mu.Unlock()
	if m.addHook != nil {
		m.addHook()
	}
	return nil
}

func (m *fakeMembership) RemoveMember(ctx context.Context, roomID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls++
	if m.removeFailures >= m.removeCalls {
		return errors.New("storage timeout")
	}
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.Members = without(r.Members, userID)
	return nil
}

func (m *fakeMembership) MarkStale(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleCalls++
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.Members = without(r.Members, userID)
	r.StaleMembers = append(r.StaleMembers, userID)
	return nil
}

func (m *fakeMembership) members(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rooms[roomID].Members...)
}

func (m *fakeMembership) drop(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
}

type fakePresence struct {
	mu    sync.Mutex
	users map[string]User
}

func newFakePresence(users ...User) *fakePresence {
	p := &fakePresence{users: map[string]User{}}
	for _, u := range users {
		p.users[u.ID] = u
	}
	return p
}

func (p *fakePresence) GetUser(ctx context.Context, userID string) (User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (p *fakePresence) set(userID, status, roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.users[userID]
	u.Status = status
	u.RoomID = roomID
	p.users[userID] = u
}

// fakeStatus simulates the reconciler endpoint. failures transient errors are
// returned before calls start succeeding; terminalErr short-circuits every
// call. Successful calls are applied to the linked presence store.
type fakeStatus struct {
	mu          sync.Mutex
	presence    *fakePresence
	failures    int
	terminalErr error
	calls       int

	// hook runs after a successful status application, outside the lock.
	hook func()
}

func (s *fakeStatus) SetStatus(ctx context.Context, userID, status, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.calls++
	if s.terminalErr != nil {
		s.mu.Unlock()
		return s.terminalErr
	}
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("reconciler timeout")
	}
	if s.presence != nil {
		s.presence.set(userID, status, roomID)
	}
	s.mu.Unlock()
	if s.hook != nil {
		s.hook()
	}
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	err    error
	events []events.MembershipChangeEvent
}

func (p *fakePublisher) Publish(ctx context.Context, ev events.MembershipChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

type fakeLease struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLease() *fakeLease { return &fakeLease{held: map[string]bool{}} }

func (l *fakeLease) Acquire(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[userID] {
		return nil, ErrSagaInProgress
	}
	l.held[userID] = true
	return func() {
		l.mu.Lock()
		delete(l.held, userID)
		l.mu.Unlock()
	}, nil
}

type world struct {
	membership *fakeMembership
	presence   *fakePresence
	status     *fakeStatus
	publisher  *fakePublisher
	lease      *fakeLease
	coord      *Coordinator
}

func newWorld(rooms []Room, users []User) *world {
	w := &world{
		membership: newFakeMembership(rooms...),
		presence:   newFakePresence(users...),
		publisher:  &fakePublisher{},
		lease:      newFakeLease(),
	}
	w.status = &fakeStatus{presence: w.presence}
	w.coord = NewCoordinator(w.membership, w.presence, w.status, w.publisher, w.lease, testSagaConfig, nil)
	return w
}

func TestEnterSuccess(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 2, Members: []string{}}},
		[]User{{ID: "alice", Status: StatusOutside}},
	)

	if err := w.coord.Enter(context.Background(), "lobby", "alice"); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if got := w.membership.members("lobby"); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected alice in members, got %v", got)
	}
	u, _ := w.presence.GetUser(context.Background(), "alice")
	if u.Status != StatusInside || u.RoomID != "lobby" {
		t.Fatalf("expected inside/lobby, got %s/%s", u.Status, u.RoomID)
	}
	if len(w.publisher.events) != 1 || w.publisher.events[0].Direction != events.Entered {
		t.Fatalf("expected one entered event, got %v", w.publisher.events)
	}
	if w.publisher.events[0].ID == "" {
		t.Fatal("event missing dedup identifier")
	}
}

func TestEnterUserNotFound(t *testing.T) {
	w := newWorld([]Room{{ID: "lobby", Capacity: 1}}, nil)
	if err := w.coord.Enter(context.Background(), "lobby", "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestEnterRoomNotFound(t *testing.T) {
	w := newWorld(nil, []User{{ID: "alice", Status: StatusOutside}})
	if err := w.coord.Enter(context.Background(), "nope", "alice"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestEnterDeniedWhenNotOutside(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 2}},
		[]User{{ID: "alice", Status: StatusInside, RoomID: "suite"}},
	)
	if err := w.coord.Enter(context.Background(), "lobby", "alice"); !errors.Is(err, ErrEntryDenied) {
		t.Fatalf("expected ErrEntryDenied, got %v", err)
	}
}

func TestEnterRoomFull(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{"bob"}}},
		[]User{{ID: "alice", Status: StatusOutside}},
	)
	err := w.coord.Enter(context.Background(), "lobby", "alice")
	if !errors.Is(err, ErrEntryDenied) && !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected denial for full room, got %v", err)
	}
}

func TestEnterStatusRetriesThenSucceeds(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{}}},
		[]User{{ID: "alice", Status: StatusOutside}},
	)
	w.status.failures = 2

	if err := w.coord.Enter(context.Background(), "lobby", "alice"); err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if w.status.calls != 3 {
		t.Fatalf("expected 3 status attempts, got %d", w.status.calls)
	}
	u, _ := w.presence.GetUser(context.Background(), "alice")
	if u.Status != StatusInside {
		t.Fatalf("expected inside after retry, got %s", u.Status)
	}
}

func TestEnterStatusExhaustedCompensates(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{}}},
		[]User{{ID: "alice", Status: StatusOutside}},
	)
	w.status.failures = testSagaConfig.StatusAttempts

	err := w.coord.Enter(context.Background(), "lobby", "alice")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	// Compensation property: no orphan membership after the saga terminates.
	if got := w.membership.members("lobby"); len(got) != 0 {
		t.Fatalf("expected compensated member set, got %v", got)
	}
	if len(w.publisher.events) != 0 {
		t.Fatalf("no event expected for failed saga, got %v", w.publisher.events)
	}
}

func TestEnterStatusConflictCompensatesWithoutRetry(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{}}},
		[]User{{ID: "alice", Status: StatusOutside}},
	)
	w.status.terminalErr = ErrConflict

	err := w.coord.Enter(context.Background(), "lobby", "alice")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if w.status.calls != 1 {
		t.Fatalf("terminal error must not be retried, got %d calls", w.status.calls)
	}
	if got := w.membership.members("lobby"); len(got) != 0 {
		t.Fatalf("expected compensated member set, got %v", got)
	}
}

func TestEnterCompensationFailureSurfaced(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{}}},
		[]User{{ID: "alice", Status: StatusOutside}},
	)
	w.status.terminalErr = ErrConflict
	w.membership.removeFailures = testSagaConfig.StatusAttempts + 1

	err := w.coord.Enter(context.Background(), "lobby", "alice")
	if !errors.Is(err, ErrPartialEnter) {
		t.Fatalf("expected ErrPartialEnter, got %v", err)
	}
}

func TestEnterPublishFailureDoesNotCompensate(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{}}},
		[]User{{ID: "alice", Status: StatusOutside}},
	)
	w.publisher.err = errors.New("broker down")

	if err := w.coord.Enter(context.Background(), "lobby", "alice"); err != nil {
		t.Fatalf("publish failure must not fail the saga, got %v", err)
	}
	if got := w.membership.members("lobby"); len(got) != 1 {
		t.Fatalf("membership must survive publish failure, got %v", got)
	}
	u, _ := w.presence.GetUser(context.Background(), "alice")
	if u.Status != StatusInside {
		t.Fatalf("status must survive publish failure, got %s", u.Status)
	}
}

func TestEnterLeaseHeld(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 2, Members: []string{}}},
		[]User{{ID: "alice", Status: StatusOutside}},
	)
	release, err := w.lease.Acquire(context.Background(), "alice")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if err := w.coord.Enter(context.Background(), "lobby", "alice"); !errors.Is(err, ErrSagaInProgress) {
		t.Fatalf("expected ErrSagaInProgress, got %v", err)
	}
}

func TestEnterSurvivesClientDisconnect(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{}}},
		[]User{{ID: "alice", Status: StatusOutside}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The client goes away right after the membership write lands; the saga
	// must still drive status and publish on its own contexts.
	w.membership.addHook = cancel

	if err := w.coord.Enter(ctx, "lobby", "alice"); err != nil {
		t.Fatalf("enter after disconnect: %v", err)
	}
	u, _ := w.presence.GetUser(context.Background(), "alice")
	if u.Status != StatusInside || u.RoomID != "lobby" {
		t.Fatalf("expected inside lobby, got %s/%s", u.Status, u.RoomID)
	}
	if len(w.publisher.events) != 1 || w.publisher.events[0].Direction != events.Entered {
		t.Fatalf("expected one entered event, got %v", w.publisher.events)
	}
}

func TestExitSurvivesClientDisconnect(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{"alice"}}},
		[]User{{ID: "alice", Status: StatusInside, RoomID: "lobby"}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Disconnect lands after the status flip; the removal and publish still
	// have to run.
	w.status.hook = cancel

	if err := w.coord.Exit(ctx, "lobby", "alice"); err != nil {
		t.Fatalf("exit after disconnect: %v", err)
	}
	if got := w.membership.members("lobby"); len(got) != 0 {
		t.Fatalf("expected empty member set, got %v", got)
	}
	if w.membership.staleCalls != 0 {
		t.Fatalf("nothing should be marked stale, got %d", w.membership.staleCalls)
	}
	if len(w.publisher.events) != 1 || w.publisher.events[0].Direction != events.Exited {
		t.Fatalf("expected one exited event, got %v", w.publisher.events)
	}
}

func TestExitRoomDeletedDuringSaga(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{"alice"}}},
		[]User{{ID: "alice", Status: StatusInside, RoomID: "lobby"}},
	)
	// The room disappears between validation and the membership removal. The
	// removal has nothing left to undo, so the exit must still complete.
	w.status.hook = func() { w.membership.drop("lobby") }

	if err := w.coord.Exit(context.Background(), "lobby", "alice"); err != nil {
		t.Fatalf("exit against deleted room: %v", err)
	}
	u, _ := w.presence.GetUser(context.Background(), "alice")
	if u.Status != StatusOutside || u.RoomID != "" {
		t.Fatalf("expected outside with cleared room, got %s/%s", u.Status, u.RoomID)
	}
	if len(w.publisher.events) != 1 || w.publisher.events[0].Direction != events.Exited {
		t.Fatalf("expected one exited event, got %v", w.publisher.events)
	}
}

func TestEnterCompensationAgainstDeletedRoom(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{}}},
		[]User{{ID: "alice", Status: StatusOutside}},
	)
	w.status.terminalErr = ErrConflict
	// Room deleted after the member was added; compensation finds no room and
	// must report the original failure, not an inconsistency.
	w.membership.addHook = func() { w.membership.drop("lobby") }

	err := w.coord.Enter(context.Background(), "lobby", "alice")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected the status conflict, got %v", err)
	}
	if errors.Is(err, ErrPartialEnter) {
		t.Fatalf("deleted room must not be reported as partial enter: %v", err)
	}
}

func TestExitSuccess(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{"alice"}}},
		[]User{{ID: "alice", Status: StatusInside, RoomID: "lobby"}},
	)

	if err := w.coord.Exit(context.Background(), "lobby", "alice"); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if got := w.membership.members("lobby"); len(got) != 0 {
		t.Fatalf("expected empty member set, got %v", got)
	}
	u, _ := w.presence.GetUser(context.Background(), "alice")
	if u.Status != StatusOutside || u.RoomID != "" {
		t.Fatalf("expected outside with cleared room, got %s/%s", u.Status, u.RoomID)
	}
	if len(w.publisher.events) != 1 || w.publisher.events[0].Direction != events.Exited {
		t.Fatalf("expected one exited event, got %v", w.publisher.events)
	}
}

func TestExitNotInRoom(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{}}},
		[]User{{ID: "alice", Status: StatusInside, RoomID: "suite"}},
	)
	if err := w.coord.Exit(context.Background(), "lobby", "alice"); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("expected ErrNotInRoom, got %v", err)
	}
}

func TestExitStatusFailureLeavesMembership(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{"alice"}}},
		[]User{{ID: "alice", Status: StatusInside, RoomID: "lobby"}},
	)
	w.status.failures = testSagaConfig.StatusAttempts

	err := w.coord.Exit(context.Background(), "lobby", "alice")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := w.membership.members("lobby"); len(got) != 1 {
		t.Fatalf("membership must be untouched when status never changed, got %v", got)
	}
	u, _ := w.presence.GetUser(context.Background(), "alice")
	if u.Status != StatusInside {
		t.Fatalf("status must be unchanged, got %s", u.Status)
	}
}

func TestExitRemovalFailureMarksStale(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{"alice"}}},
		[]User{{ID: "alice", Status: StatusInside, RoomID: "lobby"}},
	)
	w.membership.removeFailures = testSagaConfig.StatusAttempts

	err := w.coord.Exit(context.Background(), "lobby", "alice")
	if !errors.Is(err, ErrPartialExit) {
		t.Fatalf("expected ErrPartialExit, got %v", err)
	}
	if w.membership.staleCalls != 1 {
		t.Fatalf("expected stale marking, got %d calls", w.membership.staleCalls)
	}
	u, _ := w.presence.GetUser(context.Background(), "alice")
	if u.Status != StatusOutside {
		t.Fatalf("status must be outside before removal, got %s", u.Status)
	}
}

func TestExitRemovalRetriesBeforeStale(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Capacity: 1, Members: []string{"alice"}}},
		[]User{{ID: "alice", Status: StatusInside, RoomID: "lobby"}},
	)
	w.membership.removeFailures = 1

	if err := w.coord.Exit(context.Background(), "lobby", "alice"); err != nil {
		t.Fatalf("expected removal retry to recover, got %v", err)
	}
	if got := w.membership.members("lobby"); len(got) != 0 {
		t.Fatalf("expected empty member set, got %v", got)
	}
}

// Round-trip law: a successful enter followed by a successful exit restores
// the pre-enter state.
func TestEnterExitRoundTrip(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Name: "Lobby", Capacity: 1, Members: []string{}}},
		[]User{{ID: "alice", Status: StatusOutside}},
	)
	ctx := context.Background()

	if err := w.coord.Enter(ctx, "lobby", "alice"); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := w.coord.Exit(ctx, "lobby", "alice"); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if got := w.membership.members("lobby"); len(got) != 0 {
		t.Fatalf("expected empty member set, got %v", got)
	}
	u, _ := w.presence.GetUser(ctx, "alice")
	if u.Status != StatusOutside || u.RoomID != "" {
		t.Fatalf("expected pre-enter state restored, got %s/%s", u.Status, u.RoomID)
	}
	if len(w.publisher.events) != 2 {
		t.Fatalf("expected entered+exited events, got %d", len(w.publisher.events))
	}
}

// Scenario from the capacity invariant: Lobby capacity 1, two users race.
func TestConcurrentEnterLastSlot(t *testing.T) {
	w := newWorld(
		[]Room{{ID: "lobby", Name: "Lobby", Capacity: 1, Members: []string{}}},
		[]User{{ID: "alice", Status: StatusOutside}, {ID: "bob", Status: StatusOutside}},
	)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, uid := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, uid string) {
			defer wg.Done()
			errs[i] = w.coord.Enter(ctx, "lobby", uid)
		}(i, uid)
	}
	wg.Wait()

	var ok, denied int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrRoomFull) || errors.Is(err, ErrEntryDenied):
			denied++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || denied != 1 {
		t.Fatalf("expected exactly one winner, got ok=%d denied=%d", ok, denied)
	}
	if got := w.membership.members("lobby"); len(got) != 1 {
		t.Fatalf("capacity invariant violated: %v", got)
	}
}
