package session

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	// DefaultHeartbeatPeriod 扫一轮的周期。
	DefaultHeartbeatPeriod = 5 * time.Second
	// DefaultInactivityThreshold 超过这个时长没刷新 LastSeen 就驱逐。
	DefaultInactivityThreshold = 30 * time.Second
)

// LivenessProbe 回答“这个用户在本进程还有活着的连接吗”。
// ws 层实现它；嵌入式用法可以不给（nil），那就完全靠显式 touch。
type LivenessProbe interface {
	IsLocallyActive(docID string, userID uint64) bool
}

// PresenceMirror 把在线状态镜像到共享存储（Redis），给别的进程看。
// 镜像挂了不影响本地正确性，所以全部 best-effort。
type PresenceMirror interface {
	AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error
}

// HeartbeatSupervisor 周期性扫全部会话：
//  1. 刷新本地仍然活跃的成员的 LastSeen，并把 TTL 镜像进 Redis；
//  2. 把 now-LastSeen 超阈值的成员驱逐出去（成员表 + 光标 + 选区），
//     然后重新发布 roster。
//
// 驱逐只是对本地/共享状态的清理，不是断连信号：真正还活着的客户端
// 重新 join 一下就回来了。注意驱逐不拆会话——拆除只走 leave 路径。
type HeartbeatSupervisor struct {
	registry  *Registry
	probe     LivenessProbe
	mirror    PresenceMirror
	period    time.Duration
	threshold time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

func NewHeartbeatSupervisor(r *Registry, probe LivenessProbe, mirror PresenceMirror, period, threshold time.Duration) *HeartbeatSupervisor {
	if period <= 0 {
		period = DefaultHeartbeatPeriod
	}
	if threshold <= 0 {
		threshold = DefaultInactivityThreshold
	}
	return &HeartbeatSupervisor{
		registry:  r,
		probe:     probe,
		mirror:    mirror,
		period:    period,
		threshold: threshold,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (h *HeartbeatSupervisor) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		h.started = true
		go h.run(ctx)
	})
}

func (h *HeartbeatSupervisor) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.sweepOnce(ctx, time.Now())
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *HeartbeatSupervisor) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		if h.started {
			<-h.done
		}
	})
}

// sweepOnce 是单次 tick，测试直接调它。
func (h *HeartbeatSupervisor) sweepOnce(ctx context.Context, now time.Time) {
	for _, sess := range h.registry.Sessions() {
		// (a) 本地活跃成员续命 + 镜像 TTL
		for _, m := range sess.Roster() {
			if h.probe != nil && !h.probe.IsLocallyActive(sess.DocID, m.UserID) {
				continue
			}
			if h.probe != nil {
				sess.touch(m.UserID, now)
			}
			if h.mirror != nil {
				if err := h.mirror.AddMember(ctx, sess.DocID, m.UserID, m.Username, h.threshold); err != nil {
					log.Printf("presence mirror failed doc=%s user=%d err=%v", sess.DocID, m.UserID, err)
				}
			}
		}

		// (b) 驱逐过期成员
		stale := sess.staleCollaborators(now, h.threshold)
		for _, userID := range stale {
			sess.removeCollaborator(userID, "evict", now)
			log.Printf("evicted inactive collaborator doc=%s user=%d", sess.DocID, userID)
		}
		if len(stale) > 0 {
			h.registry.afterMembershipChange(ctx, sess)
		}
	}
}
