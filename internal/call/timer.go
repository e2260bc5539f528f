package call

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/CounselLine/call-engine/internal/media"
	"github.com/CounselLine/call-engine/internal/metrics"
	"github.com/CounselLine/call-engine/internal/signal"
)

// armBudgetLocked starts the one-shot session deadline the first time
// the call connects. On expiry it takes the exact same path as an
// externally requested EndCall.
func (c *Controller) armBudgetLocked(sess *session) {
	if sess.budgetMinutes <= 0 || sess.budgetTimer != nil {
		return
	}
	deadline := time.Duration(sess.budgetMinutes) * c.budgetUnit
	c.logger.Info("session budget armed",
		zap.Int("booking", sess.bookingID),
		zap.Int("minutes", sess.budgetMinutes),
	)
	sess.budgetTimer = time.AfterFunc(deadline, func() {
		c.logger.Info("session budget elapsed", zap.Int("booking", sess.bookingID))
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.sess != sess {
			return
		}
		c.endLocked()
	})
}

// ToggleAudio flips local microphone enablement and notifies the far
// end with an advisory media-toggle; it never renegotiates. Returns
// the new enabled state.
func (c *Controller) ToggleAudio() bool {
	return c.toggleTrack(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips local camera enablement, advisory only.
func (c *Controller) ToggleVideo() bool {
	return c.toggleTrack(webrtc.RTPCodecTypeVideo)
}

func (c *Controller) toggleTrack(kind webrtc.RTPCodecType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sess
	if sess == nil || sess.local == nil {
		return false
	}
	if !sess.local.HasKind(kind) {
		return false
	}
	enabled := sess.local.Toggle(kind)
	c.applySendingLocked(sess, kind, enabled)
	c.sendMediaToggleLocked(sess, kind, enabled)
	return enabled
}

// applySendingLocked makes the mute state real on the wire: a disabled
// kind stops leaving the device, not just stops being advertised.
func (c *Controller) applySendingLocked(sess *session, kind webrtc.RTPCodecType, enabled bool) {
	if sess.peer == nil {
		return
	}
	var out media.LocalTrack
	if enabled {
		track, ok := sess.local.Track(kind)
		if !ok {
			return
		}
		out = track
	}
	if err := sess.peer.SetSending(kind, out); err != nil {
		c.logger.Warn("apply media toggle to sender",
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
	}
}

// EnableVideo upgrades an audio call with a camera track. When a video
// track already exists it is re-enabled; otherwise capture is
// reacquired with video and the sender swapped in without a fresh
// offer/answer round.
func (c *Controller) EnableVideo(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.peer == nil {
		c.mu.Unlock()
		return fmt.Errorf("no active call")
	}
	if sess.local != nil && sess.local.HasKind(webrtc.RTPCodecTypeVideo) {
		sess.local.SetEnabled(webrtc.RTPCodecTypeVideo, true)
		c.applySendingLocked(sess, webrtc.RTPCodecTypeVideo, true)
		c.sendMediaToggleLocked(sess, webrtc.RTPCodecTypeVideo, true)
		c.mu.Unlock()
		return nil
	}
	cons := sess.constraints
	cons.Video = true
	c.mu.Unlock()

	stream, err := c.opts.Acquirer.Acquire(ctx, cons)
	if err != nil {
		metrics.MediaAcquireErrorsTotal.Inc()
		return fmt.Errorf("acquire video capture: %w", err)
	}

	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		stream.Release()
		return fmt.Errorf("call ended during video upgrade")
	}
	defer c.mu.Unlock()

	for _, track := range stream.Tracks() {
		if err := sess.peer.ReplaceOrAddTrack(track); err != nil {
			return err
		}
	}
	if old := sess.local; old != nil {
		if err := old.Release(); err != nil {
			c.logger.Warn("release previous stream", zap.Error(err))
		}
	}
	sess.local = stream
	sess.constraints = cons
	c.localB.Publish(stream)
	c.sendMediaToggleLocked(sess, webrtc.RTPCodecTypeVideo, true)
	return nil
}

func (c *Controller) sendMediaToggleLocked(sess *session, kind webrtc.RTPCodecType, enabled bool) {
	mediaKind := "audio"
	if kind == webrtc.RTPCodecTypeVideo {
		mediaKind = "video"
	}
	on := enabled
	sess.ch.Send(signal.Message{
		Type:      signal.TypeMediaToggle,
		BookingID: sess.bookingID,
		MediaKind: mediaKind,
		Enabled:   &on,
	})
}
