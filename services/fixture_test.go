package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"tercuman.link/configs/configsengine"
	"tercuman.link/models"
	"tercuman.link/pkg/testdb"
	"tercuman.link/repositories"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// t0 is a Monday morning; slots in the tests are placed relative to it.
var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func at(days int, hour, minute int) time.Time {
	return time.Date(t0.Year(), t0.Month(), t0.Day()+days, hour, minute, 0, 0, time.UTC)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu          sync.Mutex
	invited     map[uint][][]uint
	escalations []EntityRef
	notices     []CancellationNotice
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{invited: make(map[uint][][]uint)}
}

func (n *recordingNotifier) InterpretersInvited(_ context.Context, orderID uint, ids []uint) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invited[orderID] = append(n.invited[orderID], append([]uint(nil), ids...))
	return nil
}

func (n *recordingNotifier) AdminSearchEscalated(_ context.Context, ref EntityRef) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, ref)
	return nil
}

func (n *recordingNotifier) Cancellation(_ context.Context, notice CancellationNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

// invitedTo flattens every invitation batch sent for an order.
func (n *recordingNotifier) invitedTo(orderID uint) []uint {
	n.mu.Lock()
	defer n.mu.Unlock()
	var ids []uint
	for _, batch := range n.invited[orderID] {
		ids = append(ids, batch...)
	}
	return ids
}

func (n *recordingNotifier) noticeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

func testEngineConfig() configsengine.EngineConfig {
	return configsengine.EngineConfig{
		TickBatch:                100,
		TickWorkers:              4,
		FirstWaveWindow:          15 * time.Minute,
		SecondWaveWindow:         30 * time.Minute,
		OnDemandFirstWaveWindow:  2 * time.Minute,
		OnDemandSecondWaveWindow: 3 * time.Minute,
		OnDemandSearchDeadline:   10 * time.Minute,
		SearchCutoff:             2 * time.Hour,
		MinSearchWindow:          10 * time.Minute,
		FirstWaveSize:            3,
		SecondWaveSize:           10,
	}
}

type engineFixture struct {
	t        *testing.T
	ctx      context.Context
	db       *gorm.DB
	clock    *fakeClock
	notifier *recordingNotifier
	metrics  *Metrics
	engine   *MatchingEngine
	profiles repositories.IInterpreterRepository
}

func newEngineFixture(t *testing.T, policies Policies) *engineFixture {
	t.Helper()
	db := testdb.New(t)
	f := &engineFixture{
		t:        t,
		ctx:      context.Background(),
		db:       db,
		clock:    newFakeClock(t0),
		notifier: newRecordingNotifier(),
		metrics:  NewMetrics(prometheus.NewRegistry()),
		profiles: repositories.NewInterpreterRepository(db),
	}
	engine, err := NewMatchingEngine(EngineDeps{
		DB:        db,
		Config:    testEngineConfig(),
		Policies:  policies,
		Lifecycle: NewAppointmentService(db),
		Oracle:    NewProfileOracle(db),
		Notifier:  f.notifier,
		Locker:    NewLocalLocker(),
		Metrics:   f.metrics,
		Clock:     f.clock.Now,
	})
	require.NoError(t, err)
	f.engine = engine
	return f
}

// addInterpreter creates an active tr->en general interpreter for every mode.
func (f *engineFixture) addInterpreter(userID uint, opts ...func(*models.InterpreterProfile)) {
	f.t.Helper()
	profile := &models.InterpreterProfile{
		UserID:      userID,
		DisplayName: "Interpreter",
		Gender:      "female",
		Rating:      4,
		IsActive:    true,
		OnlineVideo: true,
	}
	for _, mode := range []models.CommunicationType{models.CommunicationAudio, models.CommunicationVideo, models.CommunicationOnSite} {
		profile.Skills = append(profile.Skills, models.InterpreterSkill{
			LanguageFrom:      "tr",
			LanguageTo:        "en",
			InterpreterType:   models.InterpreterGeneral,
			CommunicationType: mode,
		})
	}
	for _, opt := range opts {
		opt(profile)
	}
	require.NoError(f.t, f.profiles.Create(f.ctx, profile))
}

func offline(p *models.InterpreterProfile) {
	p.OnlineAudio = false
	p.OnlineVideo = false
}

func rated(r float64) func(*models.InterpreterProfile) {
	return func(p *models.InterpreterProfile) { p.Rating = r }
}

func videoRequirements() models.ServiceRequirements {
	return models.ServiceRequirements{
		LanguageFrom:      "tr",
		LanguageTo:        "en",
		InterpreterType:   models.InterpreterGeneral,
		CommunicationType: models.CommunicationVideo,
	}
}

func slot(start time.Time, d time.Duration) SlotRequest {
	return SlotRequest{StartTime: start, EndTime: start.Add(d)}
}

// createOrder books a request that is expected to succeed.
func (f *engineFixture) createOrder(req CreateOrderRequest) *CreateResult {
	f.t.Helper()
	if req.Requirements == (models.ServiceRequirements{}) {
		req.Requirements = videoRequirements()
	}
	result, err := f.engine.CreateOrder(f.ctx, req)
	require.NoError(f.t, err)
	require.Equal(f.t, OutcomeSuccess, result.Outcome, result.Message)
	return result
}

func (f *engineFixture) respond(orderID, interpreterID uint, accepted bool) *MatchResult {
	f.t.Helper()
	result, err := f.engine.RespondToInvitation(f.ctx, orderID, interpreterID, accepted)
	require.NoError(f.t, err)
	return result
}

func (f *engineFixture) tick() *TickReport {
	f.t.Helper()
	report, err := f.engine.Tick(f.ctx)
	require.NoError(f.t, err)
	require.Zero(f.t, report.Failed)
	return report
}

func (f *engineFixture) order(id uint) *models.AppointmentOrder {
	f.t.Helper()
	order, err := f.engine.orders.FindByID(f.ctx, id)
	require.NoError(f.t, err)
	return order
}

func (f *engineFixture) group(id uint) *models.AppointmentOrderGroup {
	f.t.Helper()
	group, err := f.engine.groups.FindByID(f.ctx, id)
	require.NoError(f.t, err)
	return group
}

func (f *engineFixture) cycle(groupID uint, cycle int) []models.AppointmentOrder {
	f.t.Helper()
	orders, err := f.engine.orders.FindByGroupCycle(f.ctx, groupID, cycle)
	require.NoError(f.t, err)
	return orders
}

func (f *engineFixture) appointment(id uint) *models.Appointment {
	f.t.Helper()
	var appointment models.Appointment
	require.NoError(f.t, f.db.First(&appointment, id).Error)
	return &appointment
}

// bookElsewhere gives the interpreter a confirmed appointment of another client.
func (f *engineFixture) bookElsewhere(interpreterID uint, start time.Time, d time.Duration) *models.Appointment {
	f.t.Helper()
	id := interpreterID
	appointment := &models.Appointment{
		ClientID:      9999,
		InterpreterID: &id,
		StartTime:     start,
		EndTime:       start.Add(d),
		Status:        models.AppointmentConfirmed,
	}
	require.NoError(f.t, f.db.Create(appointment).Error)
	return appointment
}

func (f *engineFixture) invitations(orderID uint) map[uint]models.InvitationState {
	f.t.Helper()
	view, err := f.engine.GetOrder(f.ctx, orderID)
	require.NoError(f.t, err)
	states := make(map[uint]models.InvitationState, len(view.Invitations))
	for _, inv := range view.Invitations {
		states[inv.InterpreterID] = inv.State
	}
	return states
}
