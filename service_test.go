package sni

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTray is the descriptor used across the test suite. Mutating its
// fields through Update exercises the full read-diff-publish cycle without
// a bus connection.
type testTray struct {
	title       string
	status      Status
	iconName    string
	clicks      int
	aboutToShow bool
	items       []MenuItem[*testTray]
}

func (t *testTray) ID() string { return "sni-test" }

func (t *testTray) Menu() []MenuItem[*testTray] { return t.items }

func (t *testTray) Title() string { return t.title }

func (t *testTray) IconName() string { return t.iconName }

func (t *testTray) Status() Status {
	if t.status == "" {
		return StatusActive
	}
	return t.status
}

func (t *testTray) AboutToShow() bool { return t.aboutToShow }

// minimalTray implements only the two required methods.
type minimalTray struct{}

func (m *minimalTray) ID() string { return "minimal" }

func (m *minimalTray) Menu() []MenuItem[*minimalTray] { return nil }

func newTestService(tray *testTray) *service[*testTray] {
	return newService(tray, defaultConfig())
}

func newTestHandle(tray *testTray) *Handle[*testTray] {
	return &Handle[*testTray]{svc: newTestService(tray)}
}

func TestReadPropsDefaults(t *testing.T) {
	svc := newService(&minimalTray{}, defaultConfig())
	p := svc.readProps()

	assert.Equal(t, "minimal", p.id)
	assert.Equal(t, CategoryApplicationStatus, p.category)
	assert.Equal(t, StatusActive, p.status)
	assert.Equal(t, TextDirectionLeftToRight, p.textDirection)
	assert.Empty(t, p.title)
	assert.Empty(t, p.iconName)
	assert.False(t, p.itemIsMenu)
	assert.Zero(t, p.windowID)
}

func TestReadPropsCapabilities(t *testing.T) {
	svc := newTestService(&testTray{
		title:    "Player",
		status:   StatusNeedsAttention,
		iconName: "media-playback-start",
	})
	p := svc.readProps()

	assert.Equal(t, "Player", p.title)
	assert.Equal(t, StatusNeedsAttention, p.status)
	assert.Equal(t, "media-playback-start", p.iconName)
}

func TestPropCacheRefresh(t *testing.T) {
	tray := &testTray{title: "one", iconName: "icon-a"}
	svc := newTestService(tray)

	// No mutation: nothing reported.
	rep := svc.props.refresh(svc.readProps())
	assert.False(t, rep.any())

	tray.title = "two"
	rep = svc.props.refresh(svc.readProps())
	assert.True(t, rep.title)
	assert.False(t, rep.icon)
	assert.False(t, rep.status)

	// Reported once, then settled.
	rep = svc.props.refresh(svc.readProps())
	assert.False(t, rep.any())

	tray.iconName = "icon-b"
	tray.status = StatusNeedsAttention
	rep = svc.props.refresh(svc.readProps())
	assert.True(t, rep.icon)
	assert.True(t, rep.status)
	assert.False(t, rep.title)
}

func TestUpdateRevision(t *testing.T) {
	tray := &testTray{}
	tray.items = []MenuItem[*testTray]{
		StandardItem[*testTray]{Label: "start"},
	}
	h := newTestHandle(tray)
	require.Equal(t, uint32(1), h.svc.revision)

	// A menu change bumps the revision.
	err := h.Update(context.Background(), func(tr *testTray) {
		tr.items = []MenuItem[*testTray]{
			StandardItem[*testTray]{Label: "stop"},
		}
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), h.svc.revision)

	// A no-op update does not.
	err = h.Update(context.Background(), func(tr *testTray) {})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), h.svc.revision)

	// A property-only change elsewhere does not touch the menu revision.
	err = h.Update(context.Background(), func(tr *testTray) { tr.title = "new" })
	require.NoError(t, err)
	assert.Equal(t, uint32(2), h.svc.revision)
}

func TestUpdateSerializes(t *testing.T) {
	tray := &testTray{}
	h := newTestHandle(tray)

	const workers = 16
	const perWorker = 50

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				h.Update(context.Background(), func(tr *testTray) {
					tr.clicks++
				})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, tray.clicks)
}

func TestUpdatePanicContained(t *testing.T) {
	h := newTestHandle(&testTray{})

	err := h.Update(context.Background(), func(tr *testTray) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// The service stays usable.
	err = h.Update(context.Background(), func(tr *testTray) { tr.clicks++ })
	require.NoError(t, err)
	assert.Equal(t, 1, h.svc.tray.clicks)
}

func TestUpdateReentrant(t *testing.T) {
	h := newTestHandle(&testTray{})

	// Update from inside Update panics; the panic is contained like any
	// callback panic and surfaces as an error.
	err := h.Update(context.Background(), func(tr *testTray) {
		h.Update(context.Background(), func(tr *testTray) {})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reentrant")
}

func TestWithTrayReentrantPanics(t *testing.T) {
	svc := newTestService(&testTray{})

	svc.withTray(context.Background(), func() {
		assert.Panics(t, func() {
			svc.withTray(context.Background(), func() {})
		})
	})
}

func TestUpdateContextCancelled(t *testing.T) {
	h := newTestHandle(&testTray{})

	// Hold the lock, then try to update with a cancelled context.
	require.NoError(t, h.svc.mu.Lock(context.Background()))
	defer h.svc.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := h.Update(ctx, func(tr *testTray) { ran = true })
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestUpdateAfterClose(t *testing.T) {
	h := newTestHandle(&testTray{})

	require.NoError(t, h.Close())
	assert.True(t, h.Closed())

	err := h.Update(context.Background(), func(tr *testTray) {})
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, h.Close(), ErrClosed)
}

func TestInvokeContainsPanic(t *testing.T) {
	svc := newTestService(&testTray{})

	err := svc.invoke(func() { panic("broken callback") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken callback")

	assert.NoError(t, svc.invoke(func() {}))
}

func TestGoid(t *testing.T) {
	id := goid()
	require.NotZero(t, id)
	assert.Equal(t, id, goid())

	other := make(chan uint64, 1)
	go func() { other <- goid() }()
	assert.NotEqual(t, id, <-other)
}

func TestIconThemePathList(t *testing.T) {
	assert.Equal(t, []string{}, iconThemePathList(""))
	assert.Equal(t, []string{"/usr/share/icons"}, iconThemePathList("/usr/share/icons"))
}

func TestPixmapList(t *testing.T) {
	assert.Equal(t, []Icon{}, pixmapList(nil))

	icons := []Icon{{Width: 1, Height: 1, Data: []byte{0, 0, 0, 0}}}
	assert.Equal(t, icons, pixmapList(icons))
}
