package canvassd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"canvassing/ledger"
	"canvassing/ledger/models"
)

const wsWriteTimeout = 10 * time.Second

type rewardStatus struct {
	RewardID        uuid.UUID `json:"rewardId"`
	IsClaimed       bool      `json:"isClaimed"`
	SignatureIssued bool      `json:"signatureIssued"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	TimeUpdated     time.Time `json:"timeUpdated"`
}

func statusOf(r *models.Reward) rewardStatus {
	return rewardStatus{
		RewardID:        r.ID,
		IsClaimed:       r.IsClaimed,
		SignatureIssued: r.Signature != "",
		TransactionHash: r.TransactionHash,
		TimeUpdated:     r.UpdatedAt,
	}
}

// handleWatchReward streams reward status snapshots until the reward is
// claimed or the stream times out.
func (s *Server) handleWatchReward(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reward id")
		return
	}
	reward, err := s.store.GetReward(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reward not found")
		return
	} else if err != nil {
		s.internalError(w, "load reward", err)
		return
	}
	owner, err := s.store.GetParticipant(r.Context(), reward.ParticipantID)
	if err != nil {
		s.internalError(w, "load participant", err)
		return
	}
	if owner.AuthID != AuthIDFrom(r.Context()) {
		writeError(w, http.StatusForbidden, "reward does not belong to caller")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx, cancel := context.WithTimeout(r.Context(), s.watch.MaxDuration.Duration)
	defer cancel()
	ctx = conn.CloseRead(ctx)
	if err := s.streamReward(ctx, conn, reward); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamReward(ctx context.Context, conn *websocket.Conn, reward *models.Reward) error {
	last := statusOf(reward)
	if err := writeStatus(ctx, conn, last); err != nil {
		return err
	}
	if last.IsClaimed {
		return nil
	}
	ticker := time.NewTicker(s.watch.PollInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		current, err := s.store.GetReward(ctx, reward.ID)
		if err != nil {
			return err
		}
		next := statusOf(current)
		if next == last {
			continue
		}
		if err := writeStatus(ctx, conn, next); err != nil {
			return err
		}
		if next.IsClaimed {
			return nil
		}
		last = next
	}
}

func writeStatus(ctx context.Context, conn *websocket.Conn, status rewardStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
