package notifier

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/rnr-capital/newsfeed-alerts/model"
)

func digestStory(id string, importance int, minute int) *model.Story {
	return &model.Story{
		Id:          id,
		Title:       "Story " + id,
		Importance:  importance,
		CreatedAt:   time.Date(2024, 1, 1, 0, minute, 0, 0, time.UTC),
		KeyFindings: datatypes.NewJSONType([]string{"finding 1 of " + id, "finding 2 of " + id, "finding 3", "finding 4"}),
		Content:     model.Content{Url: "https://a.com/" + id},
	}
}

func TestNewDigest(t *testing.T) {
	alert := &model.Alert{Id: "alert", Name: "Batteries", LanguageCode: "en"}
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	t.Run("Test items ordered by importance then age", func(t *testing.T) {
		d := NewDigest(alert, []*model.Story{
			digestStory("late75", 75, 3),
			digestStory("early75", 75, 1),
			digestStory("top", 90, 2),
		}, now)
		require.Equal(t, []string{"top", "early75", "late75"}, d.StoryIDs())
		require.Equal(t, "Batteries (3 new stories)", d.Title)
		require.Equal(t, "Story top\nStory early75\nStory late75", d.Description)
	})

	t.Run("Test single story digest", func(t *testing.T) {
		d := NewDigest(alert, []*model.Story{digestStory("one", 80, 0)}, now)
		require.Equal(t, "【Batteries】Story one", d.Title)
		require.Equal(t, "finding 1 of one\nfinding 2 of one\nfinding 3", d.Description)
		require.Equal(t, "https://a.com/one", d.Items[0].Url)
	})

	t.Run("Test canonical url preferred", func(t *testing.T) {
		s := digestStory("one", 80, 0)
		s.Content.CanonicalUrl = "https://canonical.com/one"
		d := NewDigest(alert, []*model.Story{s}, now)
		require.Equal(t, "https://canonical.com/one", d.Items[0].Url)
	})

	t.Run("Test long digests summarize the tail", func(t *testing.T) {
		stories := []*model.Story{}
		for i := 0; i < 6; i++ {
			stories = append(stories, digestStory(string(rune('a'+i)), 50, i))
		}
		d := NewDigest(alert, stories, now)
		lines := strings.Split(d.Description, "\n")
		require.Len(t, lines, StoryMaxLinesInSummary+1)
		require.Equal(t, "and 2 more", lines[len(lines)-1])
	})

	t.Run("Test only restricts items", func(t *testing.T) {
		d := NewDigest(alert, []*model.Story{digestStory("a", 90, 0), digestStory("b", 80, 1)}, now)
		only := d.Only([]string{"b"})
		require.Equal(t, []string{"b"}, only.StoryIDs())
		require.Equal(t, "【Batteries】Story b", only.Title)
		// original untouched
		require.Len(t, d.Items, 2)
	})

	t.Run("Test plain text", func(t *testing.T) {
		d := NewDigest(alert, []*model.Story{digestStory("a", 90, 0)}, now)
		want := strings.Join([]string{
			"【Batteries】Story a",
			"",
			"• Story a (90)",
			"  - finding 1 of a",
			"  - finding 2 of a",
			"  - finding 3",
			"  https://a.com/a",
		}, "\n")
		if diff := cmp.Diff(want, d.PlainText()); diff != "" {
			t.Errorf("plain text mismatch (-want +got):\n%s", diff)
		}
	})
}
