package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	bolt "go.etcd.io/bbolt"
)

var draftBucket = []byte("form_drafts")

const defaultDraftDebounce = 2 * time.Second

// FormDraft is the durable copy of an uncommitted form, keyed by a stable
// content id (thread id, course id).
type FormDraft struct {
	Fields  map[string]string `json:"fields"`
	SavedAt time.Time         `json:"saved_at"`
}

func (self *FormDraft) IsEmpty() bool {
	for _, value := range self.Fields {
		if value != "" {
			return false
		}
	}
	return true
}

// DraftStore persists form drafts in a local key-value file.
// A draft is written only when at least one field is non-empty, and cleared
// immediately and unconditionally on successful submission.
type DraftStore struct {
	db *bolt.DB
}

func NewDraftStore(path string) (*DraftStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(draftBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DraftStore{
		db: db,
	}, nil
}

func (self *DraftStore) Save(contentId string, fields map[string]string) error {
	draft := &FormDraft{
		Fields:  fields,
		SavedAt: time.Now().UTC(),
	}
	if draft.IsEmpty() {
		// nothing worth preserving. do not overwrite an older draft either:
		// the empty state came from a cleared form, which Clear handles.
		return nil
	}
	draftJson, err := json.Marshal(draft)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(draftBucket).Put([]byte(contentId), draftJson)
	})
}

// Load returns the stored draft, or nil when there is none.
func (self *DraftStore) Load(contentId string) (*FormDraft, error) {
	var draft *FormDraft
	err := self.db.View(func(tx *bolt.Tx) error {
		draftJson := tx.Bucket(draftBucket).Get([]byte(contentId))
		if draftJson == nil {
			return nil
		}
		draft = &FormDraft{}
		return json.Unmarshal(draftJson, draft)
	})
	if err != nil {
		return nil, err
	}
	return draft, nil
}

func (self *DraftStore) Clear(contentId string) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(draftBucket).Delete([]byte(contentId))
	})
}

func (self *DraftStore) Close() error {
	return self.db.Close()
}

// DraftSaver debounces draft writes while the user types. This is the only
// timer-driven delay in the coordination layer; request logic never sleeps.
type DraftSaver struct {
	store     *DraftStore
	contentId string
	debounce  time.Duration

	mutex   sync.Mutex
	fields  map[string]string
	timer   *time.Timer
	stopped bool
}

func NewDraftSaverWithDefaults(store *DraftStore, contentId string) *DraftSaver {
	return NewDraftSaver(store, contentId, defaultDraftDebounce)
}

func NewDraftSaver(store *DraftStore, contentId string, debounce time.Duration) *DraftSaver {
	return &DraftSaver{
		store:     store,
		contentId: contentId,
		debounce:  debounce,
	}
}

// Update replaces the pending fields and restarts the debounce window.
func (self *DraftSaver) Update(fields map[string]string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.stopped {
		return
	}
	self.fields = fields
	if self.timer != nil {
		self.timer.Stop()
	}
	self.timer = time.AfterFunc(self.debounce, self.flush)
}

func (self *DraftSaver) flush() {
	self.mutex.Lock()
	fields := self.fields
	stopped := self.stopped
	self.mutex.Unlock()
	if stopped || fields == nil {
		return
	}
	if err := self.store.Save(self.contentId, fields); err != nil {
		glog.Infof("[draft]save %s error = %s\n", self.contentId, err)
	}
}

// Flush writes the pending fields immediately.
func (self *DraftSaver) Flush() {
	self.mutex.Lock()
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.mutex.Unlock()
	self.flush()
}

// Clear drops the pending fields and the stored draft, e.g. after a
// successful submission.
func (self *DraftSaver) Clear() error {
	self.mutex.Lock()
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.fields = nil
	self.mutex.Unlock()
	return self.store.Clear(self.contentId)
}

// Stop ends the saver without touching the stored draft.
func (self *DraftSaver) Stop() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.stopped = true
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}
