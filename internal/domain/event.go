package domain

import "time"

const EventNewTransaction = "new_transaction"

// CommitEvent is published after a transfer durably commits.
type CommitEvent struct {
	Type          string       `json:"type"`
	FromAccountID string       `json:"fromAccountId"`
	ToAccountID   string       `json:"toAccountId"`
	FromUserID    string       `json:"fromUserId,omitempty"`
	ToUserID      string       `json:"toUserId,omitempty"`
	Transaction   *Transaction `json:"transaction"`
	PublishedAt   time.Time    `json:"publishedAt"`
}

func NewCommitEvent(tx *Transaction, fromUserID, toUserID string) *CommitEvent {
	return &CommitEvent{
		Type:          EventNewTransaction,
		FromAccountID: tx.FromAccountID,
		ToAccountID:   tx.ToAccountID,
		FromUserID:    fromUserID,
		ToUserID:      toUserID,
		Transaction:   tx,
	}
}
