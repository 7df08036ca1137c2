package assemble

import (
	"context"
	"sync"
	"time"

	"github.com/insightpilot/insightpilot/pkg/models"
)

// MemoryUserDirectory is an in-memory UserDirectory. Unknown users
// resolve to a default profile rather than failing the turn; missing
// preferences only cost answer quality, not correctness.
type MemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewMemoryUserDirectory creates an empty directory.
func NewMemoryUserDirectory() *MemoryUserDirectory {
	return &MemoryUserDirectory{users: map[string]*models.User{}}
}

// PutUser registers or replaces a user profile.
func (d *MemoryUserDirectory) PutUser(user *models.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[user.ID] = user
}

func (d *MemoryUserDirectory) GetUser(ctx context.Context, userID string) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if user, ok := d.users[userID]; ok {
		clone := *user
		return &clone, nil
	}
	return &models.User{
		ID:        userID,
		Currency:  "USD",
		Locale:    "en-US",
		CreatedAt: time.Now(),
	}, nil
}
