package auth

type Authorizer struct {
	allowedIDs map[int64]bool
	adminsIDs  map[int64]bool
}

// NewAuthorizer 创建授权器；ids 为空表示不限制普通用户
func NewAuthorizer(ids []int64, admins []int64) *Authorizer {
	allowed := make(map[int64]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	adminMap := make(map[int64]bool, len(admins))
	for _, id := range admins {
		adminMap[id] = true
	}
	return &Authorizer{allowedIDs: allowed, adminsIDs: adminMap}
}

func (a *Authorizer) IsAuthorized(userID int64) bool {
	if len(a.allowedIDs) == 0 {
		return true
	}
	_, ok := a.allowedIDs[userID]
	return ok
}

func (a *Authorizer) IsAdmin(userID int64) bool {
	_, ok := a.adminsIDs[userID]
	return ok
}

func (a *Authorizer) IsAllowed(userID int64) bool {
	return a.IsAuthorized(userID) || a.IsAdmin(userID)
}

// AdminIDs returns the configured administrators.
func (a *Authorizer) AdminIDs() []int64 {
	ids := make([]int64, 0, len(a.adminsIDs))
	for id := range a.adminsIDs {
		ids = append(ids, id)
	}
	return ids
}
