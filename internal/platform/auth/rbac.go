package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

// Roles form a ladder: viewers read the registry and verdicts, deployers
// gate candidates, operators also force rollbacks.
const (
	RoleViewer   = "viewer"
	RoleDeployer = "deployer"
	RoleOperator = "operator"
)

var roleLevels = map[string]int{
	RoleViewer:   1,
	RoleDeployer: 2,
	RoleOperator: 3,
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		level := roleLevels[strings.ToLower(strings.TrimSpace(role))]
		if level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

// RequiredRoleForRequest maps a request to the lowest role allowed to make it.
// Reads need viewer, POST /api/models/{model}/rollback needs operator and any
// other write needs deployer.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	if isModelAction(r.URL.Path, "rollback") {
		return RoleOperator
	}
	return RoleDeployer
}

func isModelAction(path, action string) bool {
	rest, ok := strings.CutPrefix(path, "/api/models/")
	if !ok {
		return false
	}
	model, got, ok := strings.Cut(strings.TrimSuffix(rest, "/"), "/")
	return ok && model != "" && got == action
}
