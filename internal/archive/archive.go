// Package archive stores fetched pages as one JSON document per page. Each
// document carries a digest of its items so corrupt pages are detected on
// read rather than silently replayed.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/JakeFAU/channel-retriever/internal/retrieval"
	"github.com/JakeFAU/channel-retriever/internal/storage"
)

var (
	// ErrCorrupt is returned by LoadPage when the stored digest does not match.
	ErrCorrupt = errors.New("archived page is corrupt")

	validJobID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	pageFile   = regexp.MustCompile(`(?:^|/)messages_batch_(\d+)\.json$`)
)

// Config controls where pages are written.
type Config struct {
	Prefix string `mapstructure:"prefix"`
}

// Archive implements retrieval.PageArchive over a storage.BlobStore.
type Archive struct {
	blobs  storage.BlobStore
	hasher retrieval.Hasher
	fields retrieval.Fields
	prefix string
}

type envelope struct {
	JobID     string          `json:"job_id"`
	Batch     int             `json:"batch"`
	Cursor    string          `json:"cursor"`
	FetchedAt time.Time       `json:"fetched_at"`
	Count     int             `json:"count"`
	Digest    string          `json:"digest"`
	Items     json.RawMessage `json:"items"`
}

// New constructs an archive.
func New(blobs storage.BlobStore, hasher retrieval.Hasher, fields retrieval.Fields, cfg Config) (*Archive, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if fields.ID == "" {
		fields = retrieval.DefaultFields()
	}
	return &Archive{
		blobs:  blobs,
		hasher: hasher,
		fields: fields,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PagePath returns the object path of page number for jobID.
func (a *Archive) PagePath(jobID string, number int) string {
	return path.Join(a.jobDir(jobID), fmt.Sprintf("messages_batch_%04d.json", number))
}

func (a *Archive) jobDir(jobID string) string {
	if a.prefix == "" {
		return jobID
	}
	return path.Join(a.prefix, jobID)
}

// SavePage writes page, replacing any earlier copy with the same number.
func (a *Archive) SavePage(ctx context.Context, jobID string, page retrieval.Page) error {
	if err := checkJobID(jobID); err != nil {
		return err
	}
	if page.Number < 0 {
		return fmt.Errorf("page number must be >= 0")
	}
	items := page.Items
	if items == nil {
		items = []retrieval.Item{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	digest, err := a.hasher.Hash(itemsJSON)
	if err != nil {
		return fmt.Errorf("hash items: %w", err)
	}
	data, err := json.Marshal(envelope{
		JobID:     jobID,
		Batch:     page.Number,
		Cursor:    page.Cursor,
		FetchedAt: page.FetchedAt.UTC(),
		Count:     len(items),
		Digest:    digest,
		Items:     itemsJSON,
	})
	if err != nil {
		return fmt.Errorf("marshal page: %w", err)
	}
	if _, err := a.blobs.PutObject(ctx, a.PagePath(jobID, page.Number), "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write page %d: %w", page.Number, err)
	}
	return nil
}

// ListPages returns the stored page numbers for jobID in ascending order.
func (a *Archive) ListPages(ctx context.Context, jobID string) ([]int, error) {
	if err := checkJobID(jobID); err != nil {
		return nil, err
	}
	paths, err := a.blobs.ListObjects(ctx, a.jobDir(jobID))
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	numbers := make([]int, 0, len(paths))
	for _, p := range paths {
		m := pageFile.FindStringSubmatch(p)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers, nil
}

// LoadPage reads and verifies one page.
func (a *Archive) LoadPage(ctx context.Context, jobID string, number int) (retrieval.Page, error) {
	if err := checkJobID(jobID); err != nil {
		return retrieval.Page{}, err
	}
	p := a.PagePath(jobID, number)
	data, err := a.blobs.GetObject(ctx, p)
	if err != nil {
		return retrieval.Page{}, fmt.Errorf("read page %d: %w", number, err)
	}
	if !gjson.ValidBytes(data) {
		return retrieval.Page{}, fmt.Errorf("%s: invalid json: %w", p, ErrCorrupt)
	}
	doc := gjson.ParseBytes(data)
	if got := doc.Get("job_id").String(); got != jobID {
		return retrieval.Page{}, fmt.Errorf("%s: belongs to job %q: %w", p, got, ErrCorrupt)
	}
	rawItems := doc.Get("items")
	if !rawItems.IsArray() {
		return retrieval.Page{}, fmt.Errorf("%s: items missing: %w", p, ErrCorrupt)
	}
	if !a.hasher.Verify([]byte(rawItems.Raw), doc.Get("digest").String()) {
		return retrieval.Page{}, fmt.Errorf("%s: digest mismatch: %w", p, ErrCorrupt)
	}
	items, err := retrieval.ParseItems([]byte(rawItems.Raw), a.fields)
	if err != nil {
		return retrieval.Page{}, fmt.Errorf("%s: %w: %w", p, ErrCorrupt, err)
	}
	page := retrieval.Page{
		Number: int(doc.Get("batch").Int()),
		Cursor: doc.Get("cursor").String(),
		Items:  items,
	}
	if ts := doc.Get("fetched_at").String(); ts != "" {
		page.FetchedAt, _ = retrieval.ParseTimestamp(ts)
	}
	return page, nil
}

// Purge deletes every stored page of jobID and returns how many were removed.
func (a *Archive) Purge(ctx context.Context, jobID string) (int, error) {
	numbers, err := a.ListPages(ctx, jobID)
	if err != nil {
		return 0, err
	}
	for i, n := range numbers {
		if err := a.blobs.DeleteObject(ctx, a.PagePath(jobID, n)); err != nil {
			return i, fmt.Errorf("delete page %d: %w", n, err)
		}
	}
	return len(numbers), nil
}

func checkJobID(jobID string) error {
	if jobID == "." || jobID == ".." || !validJobID.MatchString(jobID) {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return nil
}
