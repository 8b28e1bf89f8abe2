package search

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
)

// Document is what the index stores for one visible message.
type Document struct {
	MessageID    uint
	ThreadID     uint
	SenderID     uint
	Seq          uint64
	Content      string
	CreatedAt    time.Time
	Participants []uint
}

// DocumentFrom builds a Document from a persisted message and its thread.
func DocumentFrom(msg *models.Message, thread *models.Thread) Document {
	return Document{
		MessageID:    msg.ID,
		ThreadID:     msg.ThreadID,
		SenderID:     msg.SenderID,
		Seq:          msg.Seq,
		Content:      msg.Content,
		CreatedAt:    msg.CreatedAt,
		Participants: thread.ParticipantIDs(),
	}
}

type indexed struct {
	Document
	ord   uint64
	terms map[string]int
}

// Index is an in-memory inverted index. Every document gets an insertion
// ordinal; a cursor's snapshot is the highest ordinal at its first page, so
// documents indexed later never show up on that query's later pages.
type Index struct {
	mu       sync.RWMutex
	docs     map[uint]*indexed
	postings map[string]map[uint]int
	members  map[uint]map[uint]struct{}
	ord      uint64
}

func NewIndex() *Index {
	return &Index{
		docs:     make(map[uint]*indexed),
		postings: make(map[string]map[uint]int),
		members:  make(map[uint]map[uint]struct{}),
	}
}

func termFreq(content string) map[string]int {
	tf := make(map[string]int)
	for _, tok := range Tokenize(content) {
		tf[tok]++
	}
	return tf
}

// Add indexes a new document. Re-adding an id replaces its content but keeps its ordinal.
func (ix *Index) Add(doc Document) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if prev, ok := ix.docs[doc.MessageID]; ok {
		ix.unlink(prev)
		ix.link(&indexed{Document: doc, ord: prev.ord, terms: termFreq(doc.Content)})
		return
	}
	ix.ord++
	ix.link(&indexed{Document: doc, ord: ix.ord, terms: termFreq(doc.Content)})
}

// Update replaces the content of an indexed message. Unknown ids are ignored.
func (ix *Index) Update(messageID uint, content string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	prev, ok := ix.docs[messageID]
	if !ok {
		return
	}
	ix.unlink(prev)
	doc := prev.Document
	doc.Content = content
	ix.link(&indexed{Document: doc, ord: prev.ord, terms: termFreq(content)})
}

func (ix *Index) Remove(messageID uint) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if prev, ok := ix.docs[messageID]; ok {
		ix.unlink(prev)
		delete(ix.docs, messageID)
	}
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

func (ix *Index) link(d *indexed) {
	ix.docs[d.MessageID] = d
	for term, n := range d.terms {
		p := ix.postings[term]
		if p == nil {
			p = make(map[uint]int)
			ix.postings[term] = p
		}
		p[d.MessageID] = n
	}
	if len(d.Participants) > 0 {
		m := ix.members[d.ThreadID]
		if m == nil {
			m = make(map[uint]struct{})
			ix.members[d.ThreadID] = m
		}
		for _, uid := range d.Participants {
			m[uid] = struct{}{}
		}
	}
}

func (ix *Index) unlink(d *indexed) {
	for term := range d.terms {
		if p := ix.postings[term]; p != nil {
			delete(p, d.MessageID)
			if len(p) == 0 {
				delete(ix.postings, term)
			}
		}
	}
}

func (ix *Index) isMember(threadID, userID uint) bool {
	_, ok := ix.members[threadID][userID]
	return ok
}

// Search returns one page ordered by term frequency, then recency, then id.
// Every query term must occur in a result. Later pages resume after the
// previous page's last hit.
func (ix *Index) Search(_ context.Context, q Query) (Page, error) {
	if err := q.validate(); err != nil {
		return Page{}, err
	}
	size := q.pageSize()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	cur := cursor{Snapshot: ix.ord}
	if q.Cursor != "" {
		c, err := decodeCursor(q.Cursor)
		if err != nil {
			return Page{}, err
		}
		cur = c
	}

	terms := Tokenize(q.Text)
	lists := make([]map[uint]int, 0, len(terms))
	for _, t := range terms {
		p, ok := ix.postings[t]
		if !ok {
			return Page{Results: []Hit{}}, nil
		}
		lists = append(lists, p)
	}
	sort.Slice(lists, func(i, j int) bool { return len(lists[i]) < len(lists[j]) })

	var matches []Hit
	for id, n := range lists[0] {
		d := ix.docs[id]
		if d.ord > cur.Snapshot || !ix.accepts(d, q) {
			continue
		}
		score := float64(n)
		ok := true
		for _, p := range lists[1:] {
			m, found := p[id]
			if !found {
				ok = false
				break
			}
			score += float64(m)
		}
		if !ok {
			continue
		}
		matches = append(matches, Hit{
			MessageID: d.MessageID,
			ThreadID:  d.ThreadID,
			SenderID:  d.SenderID,
			Seq:       d.Seq,
			Snippet:   snippet(d.Content),
			Score:     score,
			CreatedAt: d.CreatedAt,
		})
	}

	sort.Slice(matches, func(i, j int) bool { return ordered(matches[i], matches[j]) })

	page := Page{Results: []Hit{}, TotalCount: len(matches)}
	rest := matches[sort.Search(len(matches), func(i int) bool { return cur.after(matches[i]) }):]
	if len(rest) > size {
		page.Results = rest[:size]
		page.NextCursor = cur.resume(rest[size-1])
	} else {
		page.Results = rest
	}
	return page, nil
}

func (ix *Index) accepts(d *indexed, q Query) bool {
	if !ix.isMember(d.ThreadID, q.UserID) {
		return false
	}
	if q.ThreadID != 0 && d.ThreadID != q.ThreadID {
		return false
	}
	if q.Participant != 0 && !ix.isMember(d.ThreadID, q.Participant) {
		return false
	}
	return q.inRange(d.CreatedAt)
}
