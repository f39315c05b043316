package gateway

import (
	"sync"
	"time"
)

// CommandStatus is the lifecycle of a dispatched command.
type CommandStatus string

const (
	// CommandQueued means no session was available; the command sits in the
	// tenant's offline queue.
	CommandQueued CommandStatus = "queued"
	// CommandSent means the command went out over a session and awaits a
	// response.
	CommandSent CommandStatus = "sent"
	// CommandCompleted means the agent replied.
	CommandCompleted CommandStatus = "completed"
	// CommandFailed means delivery was abandoned after the retry budget.
	CommandFailed CommandStatus = "failed"
)

// PendingCommand tracks one dispatched command until its response arrives or
// delivery is abandoned. Failed commands stay queryable.
type PendingCommand struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenantId"`
	ConnectorID string         `json:"connectorId"`
	Operation   string         `json:"operation"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      CommandStatus  `json:"status"`
	Attempts    int            `json:"attempts"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Response    map[string]any `json:"response,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type commandResult struct {
	response map[string]any
	err      error
}

// commandTable holds pending commands, their response waiters, and the
// per-tenant offline queues. Locks are never held across I/O.
type commandTable struct {
	mu       sync.Mutex
	commands map[string]*PendingCommand
	waiters  map[string]chan commandResult
	offline  map[string][]string // tenant id -> FIFO of command ids
}

func newCommandTable() *commandTable {
	return &commandTable{
		commands: make(map[string]*PendingCommand),
		waiters:  make(map[string]chan commandResult),
		offline:  make(map[string][]string),
	}
}

func (t *commandTable) put(cmd *PendingCommand) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands[cmd.ID] = cmd
}

func (t *commandTable) get(commandID string) (PendingCommand, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd, ok := t.commands[commandID]
	if !ok {
		return PendingCommand{}, false
	}
	return *cmd, true
}

// installWaiter registers a response waiter for a command id. The channel is
// buffered so a resolver never blocks.
func (t *commandTable) installWaiter(commandID string) chan commandResult {
	ch := make(chan commandResult, 1)
	t.mu.Lock()
	t.waiters[commandID] = ch
	t.mu.Unlock()
	return ch
}

// removeWaiter drops the waiter, if still installed. Late responses arriving
// afterwards find no waiter and are recorded without resolving anything.
func (t *commandTable) removeWaiter(commandID string) {
	t.mu.Lock()
	delete(t.waiters, commandID)
	t.mu.Unlock()
}

// resolve marks the command and hands the result to the waiter, if one is
// still installed. The waiter is removed first, so a command id resolves at
// most once.
func (t *commandTable) resolve(commandID string, res commandResult) {
	t.mu.Lock()
	cmd, ok := t.commands[commandID]
	if ok {
		now := time.Now().UTC()
		if res.err != nil {
			cmd.Status = CommandFailed
			cmd.Error = res.err.Error()
		} else {
			cmd.Status = CommandCompleted
			cmd.Response = res.response
		}
		cmd.CompletedAt = &now
	}
	ch, waiting := t.waiters[commandID]
	delete(t.waiters, commandID)
	t.mu.Unlock()

	if waiting {
		ch <- res
	}
}

func (t *commandTable) enqueueOffline(tenantID, commandID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offline[tenantID] = append(t.offline[tenantID], commandID)
}

// takeOffline removes and returns the tenant's queued command ids in FIFO
// order.
func (t *commandTable) takeOffline(tenantID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.offline[tenantID]
	delete(t.offline, tenantID)
	return ids
}

// retryable returns snapshot copies of sent commands due for another delivery
// attempt under linear backoff, plus those that exhausted the budget.
func (t *commandTable) retryable(now time.Time, retryDelay time.Duration, maxRetries int) (due []PendingCommand, exhausted []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cmd := range t.commands {
		if cmd.Status != CommandSent {
			continue
		}
		if cmd.Attempts >= maxRetries {
			exhausted = append(exhausted, id)
			continue
		}
		if now.Sub(cmd.CreatedAt) > time.Duration(cmd.Attempts)*retryDelay {
			due = append(due, *cmd)
		}
	}
	return due, exhausted
}

func (t *commandTable) markAttempt(commandID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cmd, ok := t.commands[commandID]; ok {
		cmd.Attempts++
		cmd.Status = CommandSent
	}
}

func (t *commandTable) markQueued(commandID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cmd, ok := t.commands[commandID]; ok {
		cmd.Status = CommandQueued
	}
}
