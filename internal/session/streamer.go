package session

import (
	"strings"
	"time"

	"github.com/threadbridge/threadbridge/internal/format"
	"github.com/threadbridge/threadbridge/internal/ops"
)

// Post sizing. Both sit below typical platform post limits with margin.
const (
	hardCap        = 16000
	splitThreshold = 14000
)

const (
	continuedBelowMarker = "\n\n*... (continued below)*"
	continuedMarker      = "*(continued)*\n\n"
	truncatedMarker      = "\n\n*... (truncated)*"
)

// Streamer reconciles a session's accumulating assistant text with chat
// posts. Appends coalesce for coalesceWindow before a flush; oversized
// buffers are split into continuation posts; the sticky task post is
// recycled so it stays the lowest post in the thread.
//
// All methods run on the session worker, so a single in-flight flush per
// session is structural.
type Streamer struct {
	coalesce time.Duration
	metrics  *ops.Metrics
}

func newStreamer(coalesce time.Duration, metrics *ops.Metrics) *Streamer {
	return &Streamer{coalesce: coalesce, metrics: metrics}
}

// Append adds assistant text to the session buffer and schedules a flush.
func (st *Streamer) Append(s *Session, text string) {
	if text == "" {
		return
	}
	if s.pendingContent != "" {
		s.pendingContent += "\n\n"
	}
	s.pendingContent += text
	st.Schedule(s)
}

// Schedule arms the coalescing flush timer. Overlapping calls are idempotent.
func (st *Streamer) Schedule(s *Session) {
	if s.flushArmed {
		return
	}
	s.flushArmed = true
	s.flushTimer = time.AfterFunc(st.coalesce, func() {
		s.enqueue(envelope{kind: envFlushTimer})
	})
}

// Reset drops the buffer and detaches from the current post so the next
// assistant text starts a fresh post. Called when a user message arrives.
func (st *Streamer) Reset(s *Session) {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.flushArmed = false
	s.pendingContent = ""
	s.currentPostID = ""
}

// Flush reconciles the buffer with chat posts.
func (st *Streamer) Flush(s *Session) {
	start := time.Now()
	defer func() {
		st.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}()

	content := strings.TrimSpace(format.CollapseBlankRuns(s.pendingContent))
	if content == "" {
		s.pendingContent = ""
		return
	}

	// Close out the current post and carry the overflow into a continuation.
	if len(content) > splitThreshold && s.currentPostID != "" {
		cut := splitPoint(content)
		head := strings.TrimRight(content[:cut], "\n")
		s.updatePost(s.currentPostID, head+continuedBelowMarker)
		content = continuedMarker + strings.TrimLeft(content[cut:], "\n")
		s.currentPostID = ""
	}

	// Safety net; a continuation overflow lands here too.
	if len(content) > hardCap {
		content = content[:hardCap-50] + truncatedMarker
	}
	s.pendingContent = content

	if s.currentPostID != "" {
		s.updatePost(s.currentPostID, content)
		return
	}
	st.createOrRecycle(s, content)
}

// createOrRecycle makes content the newest post. When a live task post
// exists it takes over that post's position and the task list is re-created
// at the bottom, keeping the checklist the last thing in the thread.
func (st *Streamer) createOrRecycle(s *Session, content string) {
	if s.tasksPostID != "" && s.lastTasksContent != "" && !s.tasksCompleted {
		recycled := s.tasksPostID
		s.updatePost(recycled, content)
		s.tasksPostID = s.post(s.lastTasksContent)
		s.currentPostID = recycled
		return
	}
	s.currentPostID = s.post(content)
}

// BumpTasks re-positions a live task post below a fresh user message.
func (st *Streamer) BumpTasks(s *Session) {
	if s.tasksPostID == "" || s.lastTasksContent == "" || s.tasksCompleted {
		return
	}
	s.deletePost(s.tasksPostID)
	s.tasksPostID = s.post(s.lastTasksContent)
}

// splitPoint picks where to cut an overflowing buffer: the last newline
// under the threshold, unless that would waste 30% or more of the budget.
func splitPoint(content string) int {
	idx := strings.LastIndexByte(content[:splitThreshold], '\n')
	if idx <= 0 || splitThreshold-idx >= splitThreshold*3/10 {
		return splitThreshold
	}
	return idx
}
