package sqlitestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/autosave/internal/autosave"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	"github.com/onsi/ginkgo/v2/types"
	. "github.com/onsi/gomega"
)

func TestRunSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SqliteStore specs", types.ReporterConfig{Verbose: true})
}

var _ = Describe("Sqlite note store", func() {
	var db *sqlx.DB
	var store *Store
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
		db = sqlx.MustOpen("sqlite", ":memory:")
		db.SetMaxOpenConns(1)
		DeferCleanup(db.Close)

		store = New(db, "my_notes")
		Expect(store.Migrate(ctx)).To(Succeed())
	})

	It("creates a note at version 1", func() {
		doc, err := store.Create(ctx, "note-1", "hello")
		Expect(err).ToNot(HaveOccurred())
		Expect(doc.Version).To(Equal(int64(1)))

		loaded, err := store.Get(ctx, "note-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(loaded.Content).To(Equal("hello"))
		Expect(loaded.Version).To(Equal(int64(1)))
	})

	It("refuses to create a note twice", func() {
		_, err := store.Create(ctx, "note-1", "hello")
		Expect(err).ToNot(HaveOccurred())

		_, err = store.Create(ctx, "note-1", "again")
		Expect(errors.Is(err, autosave.ErrVersionConflict)).To(BeTrue())
	})

	It("reports missing notes as not found", func() {
		_, err := store.Get(ctx, "nope")
		Expect(err).To(MatchError(autosave.ErrNotFound))

		_, err = store.UpdateConditional(ctx, "nope", "x", 0)
		Expect(err).To(MatchError(autosave.ErrNotFound))
	})

	It("updates a note if the version matches", func() {
		_, err := store.Create(ctx, "note-1", "first")
		Expect(err).ToNot(HaveOccurred())

		doc, err := store.UpdateConditional(ctx, "note-1", "second", 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(doc.Version).To(Equal(int64(2)))

		doc, err = store.UpdateConditional(ctx, "note-1", "third", 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(doc.Version).To(Equal(int64(3)))
		Expect(doc.Content).To(Equal("third"))
	})

	It("rejects a stale version and reports the winner", func() {
		_, err := store.Create(ctx, "note-1", "first")
		Expect(err).ToNot(HaveOccurred())
		_, err = store.UpdateConditional(ctx, "note-1", "second", 1)
		Expect(err).ToNot(HaveOccurred())

		_, err = store.UpdateConditional(ctx, "note-1", "stale", 1)
		var conflict *autosave.VersionConflictError
		Expect(errors.As(err, &conflict)).To(BeTrue())
		Expect(conflict.Current.Version).To(Equal(int64(2)))
		Expect(conflict.Current.Content).To(Equal("second"))

		loaded, err := store.Get(ctx, "note-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(loaded.Content).To(Equal("second"))
	})

	It("backs an engine end to end", func() {
		_, err := store.Create(ctx, "note-1", "draft")
		Expect(err).ToNot(HaveOccurred())

		engine, err := autosave.NewEngineWithOptions(autosave.Options{
			Store:    store,
			Debounce: 10 * time.Millisecond,
		})
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(engine.Close)

		Expect(engine.Schedule("note-1", "draft, edited", 1)).To(Succeed())
		Eventually(func() autosave.SaveState {
			return engine.Status("note-1").State
		}).WithTimeout(2 * time.Second).Should(Equal(autosave.StateSaved))

		loaded, err := store.Get(ctx, "note-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(loaded.Content).To(Equal("draft, edited"))
		Expect(loaded.Version).To(Equal(int64(2)))
	})
})

var _ = Describe("sqlite DSN", func() {
	It("is registered with the note store factory", func() {
		dir, err := os.MkdirTemp("", "sqlitestore")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)
		path := filepath.Join(dir, "notes.db")
		store, err := autosave.BuildNoteStoreFromDSN("sqlite://" + path)
		Expect(err).ToNot(HaveOccurred())
		Expect(store).To(BeAssignableToTypeOf(&Store{}))
		DeferCleanup(store.(*Store).Close)

		_, err = store.(*Store).Create(context.Background(), "a", "b")
		Expect(err).ToNot(HaveOccurred())
	})

	It("strips the scheme from the path", func() {
		Expect(dsnPath("sqlite:///var/lib/notes.db")).To(Equal("/var/lib/notes.db"))
		Expect(dsnPath("sqlite://:memory:")).To(Equal(":memory:"))
		Expect(dsnPath("notes.db")).To(Equal("notes.db"))
	})
})
