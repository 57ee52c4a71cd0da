package lms

import (
	"sort"
	"strings"

	"github.com/learnhub/lessonguard/internal/model"
)

type Playlist struct {
	Lessons []model.Lesson
}

// BuildPlaylist keeps the lessons visible to gender and orders them by section, in the
// order sections first appear upstream, then by lesson order within a section.
func BuildPlaylist(lessons []model.Lesson, gender string) Playlist {
	sectionRank := map[string]int{}
	out := make([]model.Lesson, 0, len(lessons))
	for _, l := range lessons {
		if !visibleTo(l.TargetGender, gender) {
			continue
		}
		if _, ok := sectionRank[l.Section]; !ok {
			sectionRank[l.Section] = len(sectionRank)
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := sectionRank[out[i].Section], sectionRank[out[j].Section]
		if ri != rj {
			return ri < rj
		}
		return out[i].Order < out[j].Order
	})
	return Playlist{Lessons: out}
}

func visibleTo(target, gender string) bool {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" || target == "all" {
		return true
	}
	return target == strings.ToLower(strings.TrimSpace(gender))
}

// Next returns the first playable lesson after lessonID.
func (p Playlist) Next(lessonID string) (model.Lesson, bool) {
	found := false
	for _, l := range p.Lessons {
		if found && l.HasVideo {
			return l, true
		}
		if l.ID == lessonID {
			found = true
		}
	}
	return model.Lesson{}, false
}
