package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/Nitro/urlsign"
	"github.com/google/uuid"
)

const signingBucketSize = 8 * time.Hour

// Blob is the materialized body of a resource.
type Blob struct {
	ID          string
	Locator     string
	ContentType string
	Data        []byte
	Width       int
	Height      int

	// Pages and Preview are only set for PDF resources. Preview is the first page rendered as PNG, also
	// registered as a blob of its own under PreviewID.
	Pages     int
	Preview   []byte
	PreviewID string
}

// Blobs is the resource cache of one session, keyed by the original locator. Released blobs are no longer
// addressable, neither by locator nor by id.
type Blobs struct {
	SigningSecret string

	mutex     sync.RWMutex
	byLocator map[string]*Blob
	byID      map[string]*Blob
	now       func() time.Time
}

func NewBlobs(signingSecret string) *Blobs {
	return &Blobs{
		SigningSecret: signingSecret,
		byLocator:     make(map[string]*Blob),
		byID:          make(map[string]*Blob),
		now:           time.Now,
	}
}

// Put registers the blob, replacing any blob of the same locator, and returns it with a fresh id.
func (b *Blobs) Put(blob Blob) *Blob {
	blob.ID = uuid.New().String()

	b.mutex.Lock()
	defer b.mutex.Unlock()
	if previous, ok := b.byLocator[blob.Locator]; ok {
		delete(b.byID, previous.ID)
	}
	b.byLocator[blob.Locator] = &blob
	b.byID[blob.ID] = &blob
	return &blob
}

func (b *Blobs) Lookup(locator string) (*Blob, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	blob, ok := b.byLocator[locator]
	return blob, ok
}

func (b *Blobs) Get(id string) (*Blob, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	blob, ok := b.byID[id]
	return blob, ok
}

// URL returns the signed path the transport serves the blob at.
func (b *Blobs) URL(sessionID, blobID string) string {
	path := blobPath(sessionID, blobID)
	if b.SigningSecret == "" {
		return path
	}
	token := urlsign.GenerateToken(b.SigningSecret, signingBucketSize, b.now().UTC(), path)
	return path + "?token=" + token
}

// Verify checks the signature of a blob URL. Without a signing secret every URL is accepted.
func (b *Blobs) Verify(url string) bool {
	if b.SigningSecret == "" {
		return true
	}
	return urlsign.IsValidSignature(b.SigningSecret, signingBucketSize, b.now().UTC(), url)
}

// Release drops every blob. It is safe to call more than once.
func (b *Blobs) Release() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.byLocator = make(map[string]*Blob)
	b.byID = make(map[string]*Blob)
}

func (b *Blobs) Len() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.byID)
}

func blobPath(sessionID, blobID string) string {
	return fmt.Sprintf("/sessions/%s/blobs/%s", sessionID, blobID)
}
