package fanout

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"github.com/atvirokodosprendimai/sitefleet/internal/logger"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeDirectory struct {
	roots       map[string]*db.Site
	pageFolders map[uint][]uint
	siteFolders map[uint][]uint
	err         error
}

func (f *fakeDirectory) RootSite(_ context.Context, domain string) (*db.Site, error) {
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.roots[domain]; ok {
		return s, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeDirectory) PageFolderIDs(_ context.Context, pageID uint) ([]uint, error) {
	return f.pageFolders[pageID], f.err
}

func (f *fakeDirectory) SiteFolderIDs(_ context.Context, siteID uint) ([]uint, error) {
	return f.siteFolders[siteID], f.err
}

func site(id uint, domain string) db.Site {
	s := db.Site{Domain: domain, Kind: db.KindTemplated, Status: db.SiteDeployed}
	s.ID = id
	return s
}

func TestSubdomainPagePropagatesToRoot(t *testing.T) {
	root := site(1, "example.com")
	lodge := site(2, "lodge.example.com")
	p := NewPlanner(&fakeDirectory{
		roots:       map[string]*db.Site{"lodge.example.com": &root},
		pageFolders: map[uint][]uint{10: {3, 4}},
	})

	tasks, err := p.Plan(context.Background(), PageChanged{Site: lodge, PageID: 10})
	require.NoError(t, err)
	assert.Equal(t, []Task{
		{SiteID: 2, Kind: TaskPage, TargetID: 10},
		{SiteID: 1, Kind: TaskHomepage},
		{SiteID: 1, Kind: TaskCategory, TargetID: 3},
		{SiteID: 1, Kind: TaskCategory, TargetID: 4},
	}, tasks)
	for _, task := range tasks {
		assert.False(t, task.SiteID == 2 && task.Kind == TaskHomepage, "subdomain has no homepage fan-out")
	}
}

func TestSubdomainWithoutRootOnlyRebuildsPage(t *testing.T) {
	p := NewPlanner(&fakeDirectory{pageFolders: map[uint][]uint{10: {3}}})
	tasks, err := p.Plan(context.Background(), PageChanged{Site: site(2, "lodge.example.com"), PageID: 10})
	require.NoError(t, err)
	assert.Equal(t, []Task{{SiteID: 2, Kind: TaskPage, TargetID: 10}}, tasks)
}

func TestRootPageWithoutFolders(t *testing.T) {
	p := NewPlanner(&fakeDirectory{})
	tasks, err := p.Plan(context.Background(), PageChanged{Site: site(1, "hotel.test"), PageID: 7, OldPath: "/old"})
	require.NoError(t, err)
	assert.Equal(t, []Task{
		{SiteID: 1, Kind: TaskPage, TargetID: 7, OldPath: "/old"},
		{SiteID: 1, Kind: TaskHomepage},
	}, tasks)
}

func TestPageLeavingFolderRebuildsOldCategory(t *testing.T) {
	p := NewPlanner(&fakeDirectory{pageFolders: map[uint][]uint{7: {2}}})
	tasks, err := p.Plan(context.Background(), PageChanged{Site: site(1, "hotel.test"), PageID: 7, PreviousFolderIDs: []uint{2, 5}})
	require.NoError(t, err)
	assert.Equal(t, []Task{
		{SiteID: 1, Kind: TaskPage, TargetID: 7},
		{SiteID: 1, Kind: TaskHomepage},
		{SiteID: 1, Kind: TaskCategory, TargetID: 2},
		{SiteID: 1, Kind: TaskCategory, TargetID: 5},
	}, tasks)
}

func TestIneligibleSitesProduceNothing(t *testing.T) {
	p := NewPlanner(&fakeDirectory{pageFolders: map[uint][]uint{7: {1}}, siteFolders: map[uint][]uint{1: {1}}})
	draft := site(1, "hotel.test")
	draft.Status = db.SiteDraft
	static := site(1, "hotel.test")
	static.Kind = db.KindStatic

	for _, s := range []db.Site{draft, static} {
		events := []Event{
			PageChanged{Site: s, PageID: 7},
			PageDeleted{Site: s, PageID: 7, Path: "/x"},
			FolderChanged{Site: s, FolderID: 1},
			FolderDeleted{Site: s, FolderID: 1},
			SettingsChanged{Site: s},
		}
		for _, ev := range events {
			tasks, err := p.Plan(context.Background(), ev)
			require.NoError(t, err)
			assert.Empty(t, tasks, "%T on %s/%s", ev, s.Kind, s.Status)
		}
	}
}

func TestFolderEvents(t *testing.T) {
	p := NewPlanner(&fakeDirectory{})
	s := site(1, "hotel.test")

	tasks, err := p.Plan(context.Background(), FolderChanged{Site: s, FolderID: 5})
	require.NoError(t, err)
	assert.Equal(t, []Task{{SiteID: 1, Kind: TaskHomepage}, {SiteID: 1, Kind: TaskCategory, TargetID: 5}}, tasks)

	tasks, err = p.Plan(context.Background(), FolderDeleted{Site: s, FolderID: 5})
	require.NoError(t, err)
	assert.Equal(t, []Task{{SiteID: 1, Kind: TaskHomepage}}, tasks)

	tasks, err = p.Plan(context.Background(), FolderChanged{Site: site(2, "lodge.hotel.test"), FolderID: 5})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSettingsChanged(t *testing.T) {
	p := NewPlanner(&fakeDirectory{siteFolders: map[uint][]uint{1: {2, 3}}})
	tasks, err := p.Plan(context.Background(), SettingsChanged{Site: site(1, "hotel.test")})
	require.NoError(t, err)
	assert.Equal(t, []Task{
		{SiteID: 1, Kind: TaskHomepage},
		{SiteID: 1, Kind: TaskCategory, TargetID: 2},
		{SiteID: 1, Kind: TaskCategory, TargetID: 3},
	}, tasks)
}

func TestPageDeletedCarriesOldLocation(t *testing.T) {
	p := NewPlanner(&fakeDirectory{})
	tasks, err := p.Plan(context.Background(), PageDeleted{
		Site: site(1, "hotel.test"), PageID: 9, Path: "/gone", Filename: "index.html", FolderIDs: []uint{4, 4},
	})
	require.NoError(t, err)
	assert.Equal(t, []Task{
		{SiteID: 1, Kind: TaskPage, TargetID: 9, OldPath: "/gone", OldFilename: "index.html"},
		{SiteID: 1, Kind: TaskHomepage},
		{SiteID: 1, Kind: TaskCategory, TargetID: 4},
	}, tasks)
}

func TestDirectoryErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	p := NewPlanner(&fakeDirectory{err: boom})
	_, err := p.Plan(context.Background(), PageChanged{Site: site(1, "hotel.test"), PageID: 1})
	assert.ErrorIs(t, err, boom)
	_, err = p.Plan(context.Background(), PageChanged{Site: site(2, "a.hotel.test"), PageID: 1})
	assert.ErrorIs(t, err, boom)
}

func TestDedupProperties(t *testing.T) {
	genTask := gen.Struct(reflect.TypeOf(Task{}), map[string]gopter.Gen{
		"SiteID":   gen.UIntRange(1, 3),
		"Kind":     gen.OneConstOf(TaskPage, TaskHomepage, TaskCategory),
		"TargetID": gen.UIntRange(0, 4),
	})

	properties := gopter.NewProperties(nil)
	properties.Property("keys are unique and first occurrence wins", prop.ForAll(
		func(tasks []Task) bool {
			out := Dedup(tasks)
			seen := map[string]bool{}
			for _, task := range out {
				if seen[task.Key()] {
					return false
				}
				seen[task.Key()] = true
			}
			for _, task := range tasks {
				if !seen[task.Key()] {
					return false
				}
			}
			// order follows first emission
			i := 0
			for _, task := range tasks {
				if i < len(out) && task.Key() == out[i].Key() {
					i++
				}
			}
			return i == len(out)
		},
		gen.SliceOf(genTask),
	))
	properties.Property("dedup is idempotent", prop.ForAll(
		func(tasks []Task) bool {
			once := Dedup(tasks)
			twice := Dedup(once)
			return len(once) == len(twice)
		},
		gen.SliceOf(genTask),
	))
	properties.TestingRun(t)
}

func TestDBDirectory(t *testing.T) {
	ctx := context.Background()
	gdb, err := db.NewDatabase(filepath.Join(t.TempDir(), "fanout.db"), logger.Discard())
	require.NoError(t, err)

	root := seed(t, gdb, "example.com")
	sub := seed(t, gdb, "lodge.example.com")
	folder := &db.Folder{SiteID: root.ID, Name: "Asia"}
	require.NoError(t, db.NewFolders(gdb).Create(ctx, folder))
	page := &db.Page{SiteID: sub.ID, Path: "/sapa"}
	require.NoError(t, db.NewPages(gdb).Create(ctx, page))
	require.NoError(t, db.NewPages(gdb).SetFolders(ctx, page, root.ID, []uint{folder.ID}, nil))

	tasks, err := NewPlanner(NewDBDirectory(gdb)).Plan(ctx, PageChanged{Site: *sub, PageID: page.ID})
	require.NoError(t, err)
	assert.Equal(t, []Task{
		{SiteID: sub.ID, Kind: TaskPage, TargetID: page.ID},
		{SiteID: root.ID, Kind: TaskHomepage},
		{SiteID: root.ID, Kind: TaskCategory, TargetID: folder.ID},
	}, tasks)
}

func seed(t *testing.T, gdb *gorm.DB, domain string) *db.Site {
	t.Helper()
	s := &db.Site{Domain: domain, Kind: db.KindTemplated, Status: db.SiteDeployed}
	require.NoError(t, db.NewSites(gdb).Create(context.Background(), s))
	return s
}
