package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamerCoalescesIntoOnePost(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()
	st := h.mgr.streamer

	st.Append(s, "first chunk")
	st.Append(s, "second chunk")
	require.True(t, s.flushArmed)
	require.Zero(t, h.fake.PostCount(), "nothing should post before the flush")

	flush(s)
	post, ok := h.fake.LastPost()
	require.True(t, ok)
	assert.Equal(t, "first chunk\n\nsecond chunk", post.Message)
	assert.Equal(t, post.ID, s.currentPostID)
	assert.False(t, s.flushArmed)

	// Later text extends the same post instead of creating a new one.
	st.Append(s, "third chunk")
	flush(s)
	assert.Equal(t, 1, h.fake.PostCount())
	assert.Equal(t, "first chunk\n\nsecond chunk\n\nthird chunk", h.fake.PostMessage(post.ID))
}

func TestStreamerResetDetachesFromCurrentPost(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()
	st := h.mgr.streamer

	st.Append(s, "answer one")
	flush(s)
	first, ok := h.fake.LastPost()
	require.True(t, ok)

	st.Reset(s)
	assert.Empty(t, s.pendingContent)
	assert.Empty(t, s.currentPostID)
	assert.False(t, s.flushArmed)

	st.Append(s, "answer two")
	flush(s)
	second, ok := h.fake.LastPost()
	require.True(t, ok)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "answer one", h.fake.PostMessage(first.ID))
	assert.Equal(t, "answer two", second.Message)
}

func TestStreamerCollapsesBlankRuns(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()
	st := h.mgr.streamer

	st.Append(s, "alpha\n\n\n\nbeta")
	flush(s)
	post, ok := h.fake.LastPost()
	require.True(t, ok)
	assert.Equal(t, "alpha\n\nbeta", post.Message)
}

func TestStreamerEmptyFlushPostsNothing(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()
	st := h.mgr.streamer

	flush(s)
	assert.Zero(t, h.fake.PostCount())

	st.Append(s, "\n\n")
	flush(s)
	assert.Zero(t, h.fake.PostCount())
	assert.Empty(t, s.pendingContent)
}

func TestStreamerSplitsLongContentAtLineBoundary(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()
	st := h.mgr.streamer

	line := strings.Repeat("x", 100) + "\n"
	first := strings.TrimSpace(strings.Repeat(line, 138))
	st.Append(s, first)
	flush(s)
	firstID := s.currentPostID
	require.NotEmpty(t, firstID)

	more := strings.TrimSpace(strings.Repeat(strings.Repeat("y", 100)+"\n", 30))
	st.Append(s, more)
	flush(s)

	assert.Equal(t, first+continuedBelowMarker, h.fake.PostMessage(firstID))
	secondID := s.currentPostID
	require.NotEqual(t, firstID, secondID)
	assert.Equal(t, continuedMarker+more, h.fake.PostMessage(secondID))
}

func TestStreamerSplitsRawWhenNoUsableNewline(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()
	st := h.mgr.streamer

	st.Append(s, "seed")
	flush(s)
	firstID := s.currentPostID
	require.NotEmpty(t, firstID)

	st.Append(s, strings.Repeat("z", 15000))
	flush(s)

	head := h.fake.PostMessage(firstID)
	assert.Len(t, head, splitThreshold+len(continuedBelowMarker))
	assert.True(t, strings.HasSuffix(head, continuedBelowMarker))

	tail := h.fake.PostMessage(s.currentPostID)
	assert.Equal(t, continuedMarker+strings.Repeat("z", 1006), tail)
}

func TestStreamerTruncatesOversizeFirstPost(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()
	st := h.mgr.streamer

	st.Append(s, strings.Repeat("a", 16500))
	flush(s)

	post, ok := h.fake.LastPost()
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(post.Message, truncatedMarker))
	assert.Len(t, post.Message, hardCap-50+len(truncatedMarker))
	assert.LessOrEqual(t, len(post.Message), hardCap)
}

func TestStreamerRecyclesLiveTaskPost(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()
	st := h.mgr.streamer

	checklist := "📋 **Tasks** (0/1 · 0%)\n- [ ] **Planning**"
	s.tasksPostID = s.post(checklist)
	s.lastTasksContent = checklist
	taskID := s.tasksPostID

	st.Append(s, "working on it")
	flush(s)

	assert.Equal(t, taskID, s.currentPostID, "new text should take over the task post slot")
	assert.Equal(t, "working on it", h.fake.PostMessage(taskID))
	require.NotEqual(t, taskID, s.tasksPostID)
	last, ok := h.fake.LastPost()
	require.True(t, ok)
	assert.Equal(t, s.tasksPostID, last.ID, "checklist should be re-created at the bottom")
	assert.Equal(t, checklist, last.Message)
}

func TestStreamerSkipsRecycleWhenTasksAreDone(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()
	st := h.mgr.streamer

	s.tasksPostID = s.post("- [x] all done")
	s.lastTasksContent = "- [x] all done"
	s.tasksCompleted = true
	taskID := s.tasksPostID

	st.Append(s, "wrap-up notes")
	flush(s)

	assert.NotEqual(t, taskID, s.currentPostID)
	assert.Equal(t, "- [x] all done", h.fake.PostMessage(taskID))
}

func TestStreamerBumpTasks(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()
	st := h.mgr.streamer

	s.tasksPostID = s.post("checklist")
	s.lastTasksContent = "checklist"
	old := s.tasksPostID

	st.BumpTasks(s)
	assert.Contains(t, h.fake.DeletedPosts(), old)
	assert.NotEqual(t, old, s.tasksPostID)
	assert.Equal(t, "checklist", h.fake.PostMessage(s.tasksPostID))

	// A completed checklist stays where it is.
	s.tasksCompleted = true
	current := s.tasksPostID
	st.BumpTasks(s)
	assert.Equal(t, current, s.tasksPostID)
}

func TestSplitPoint(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{
			name:    "no newline cuts at threshold",
			content: strings.Repeat("a", 20000),
			want:    splitThreshold,
		},
		{
			name:    "newline near threshold wins",
			content: strings.Repeat("a", 13000) + "\n" + strings.Repeat("b", 7000),
			want:    13000,
		},
		{
			name:    "early newline wastes too much",
			content: strings.Repeat("a", 500) + "\n" + strings.Repeat("b", 19500),
			want:    splitThreshold,
		},
		{
			name:    "leading newline is ignored",
			content: "\n" + strings.Repeat("a", 20000),
			want:    splitThreshold,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitPoint(tt.content))
		})
	}
}
