package intake

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/agora/pkg/models"
)

// DefaultLessonsPerAgent bounds the index per agent.
const DefaultLessonsPerAgent = 50

// Lesson is a remembered lesson authored by an agent.
type Lesson struct {
	ID        string
	Title     string
	Content   string
	CreatedAt time.Time
}

// LessonIndex keeps the newest lessons per agent pubkey.
type LessonIndex struct {
	limit int

	mu      sync.RWMutex
	byAgent map[string][]Lesson
	seen    map[string]struct{}
}

// NewLessonIndex creates an index keeping at most limit lessons per agent.
func NewLessonIndex(limit int) *LessonIndex {
	if limit <= 0 {
		limit = DefaultLessonsPerAgent
	}
	return &LessonIndex{
		limit:   limit,
		byAgent: make(map[string][]Lesson),
		seen:    make(map[string]struct{}),
	}
}

// Add indexes a lesson event. Other kinds and repeats are ignored.
func (x *LessonIndex) Add(ev *models.Event) bool {
	if ev == nil || ev.Kind != models.KindLesson || ev.ID == "" {
		return false
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.seen[ev.ID]; ok {
		return false
	}
	x.seen[ev.ID] = struct{}{}

	lesson := Lesson{
		ID:        ev.ID,
		Title:     lessonTitle(ev),
		Content:   strings.TrimSpace(ev.Content),
		CreatedAt: ev.CreatedAt,
	}
	list := append(x.byAgent[ev.PubKey], lesson)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	if len(list) > x.limit {
		for _, dropped := range list[x.limit:] {
			delete(x.seen, dropped.ID)
		}
		list = list[:x.limit]
	}
	x.byAgent[ev.PubKey] = list
	return true
}

// For returns up to n lessons for the agent, newest first. n <= 0 returns all.
func (x *LessonIndex) For(pubkey string, n int) []Lesson {
	x.mu.RLock()
	defer x.mu.RUnlock()
	list := x.byAgent[pubkey]
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	return append([]Lesson(nil), list...)
}

// Len returns the total number of indexed lessons.
func (x *LessonIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	total := 0
	for _, l := range x.byAgent {
		total += len(l)
	}
	return total
}

func lessonTitle(ev *models.Event) string {
	if t := ev.TagValue("title"); t != "" {
		return t
	}
	return models.FirstLine(ev.Content, 80)
}
