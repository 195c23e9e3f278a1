package bot

import (
	"sync"
	"time"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/generation"
)

// UserState 是单个用户的会话，实现 generation.Session
type UserState struct {
	userID int64

	mu          sync.Mutex
	action      string
	chatID      int64
	messageID   int // 当前交互键盘所在的消息
	data        generation.SessionData
	lastUpdated time.Time
}

func (s *UserState) UserID() int64 { return s.userID }

// Snapshot returns a deep copy of the session data.
func (s *UserState) Snapshot() generation.SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

func (s *UserState) Update(fn func(*generation.SessionData)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
	s.lastUpdated = time.Now()
}

func (s *UserState) Action() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.action
}

func (s *UserState) SetAction(action string, chatID int64, messageID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.action = action
	if chatID != 0 {
		s.chatID = chatID
	}
	if messageID != 0 {
		s.messageID = messageID
	}
	s.lastUpdated = time.Now()
}

// CompareAndSetAction switches to next only when the current action is from.
func (s *UserState) CompareAndSetAction(from, next string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.action != from {
		return false
	}
	s.action = next
	s.lastUpdated = time.Now()
	return true
}

// Message returns the chat and message the current keyboard lives in.
func (s *UserState) Message() (int64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID, s.messageID
}

// ResetRequest 清除本次请求的输入，保留 LastGeneration 以便管理员重新生成
func (s *UserState) ResetRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.data.LastGeneration
	s.data = generation.SessionData{LastGeneration: last}
	s.action = actionNone
	s.messageID = 0
	s.lastUpdated = time.Now()
}

func (s *UserState) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdated
}

type StateManager struct {
	states map[int64]*UserState
	mu     sync.RWMutex
}

func NewStateManager() *StateManager {
	return &StateManager{
		states: make(map[int64]*UserState),
	}
}

// Session 返回用户会话，不存在时创建
func (sm *StateManager) Session(userID int64) *UserState {
	sm.mu.RLock()
	state, ok := sm.states[userID]
	sm.mu.RUnlock()
	if ok {
		return state
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if state, ok := sm.states[userID]; ok {
		return state
	}
	state = &UserState{userID: userID, lastUpdated: time.Now()}
	sm.states[userID] = state
	return state
}

func (sm *StateManager) GetState(userID int64) (*UserState, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	state, ok := sm.states[userID]
	return state, ok
}

func (sm *StateManager) ClearState(userID int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.states, userID)
}

// Expire 删除空闲超过 maxIdle 的会话，返回删除数量
func (sm *StateManager) Expire(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	removed := 0
	for id, state := range sm.states {
		if state.idleSince().Before(cutoff) {
			delete(sm.states, id)
			removed++
		}
	}
	return removed
}

func (sm *StateManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.states)
}
