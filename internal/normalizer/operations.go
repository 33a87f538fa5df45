package normalizer

import (
	"strings"

	"github.com/xela07ax/honeyshield/internal/domain"
)

var authOperations = map[string]bool{
	"AssumeRole":                true,
	"AssumeRoleWithSAML":        true,
	"AssumeRoleWithWebIdentity": true,
	"Authenticate":              true,
	"ConsoleLogin":              true,
	"GetFederationToken":        true,
	"GetSessionToken":           true,
	"Login":                     true,
}

// ActionForOperation выводит класс действия из имени операции API.
func ActionForOperation(op string) domain.ActionType {
	if op == "" {
		return domain.ActionUnknown
	}
	if authOperations[op] {
		return domain.ActionAuth
	}

	// Изменение прав и учетных записей
	if isIdentityAdmin(op) {
		return domain.ActionAdmin
	}

	switch {
	case hasAnyPrefix(op, "Delete", "Terminate", "Remove", "Destroy", "Drop"):
		return domain.ActionDelete
	case hasAnyPrefix(op, "Create", "Put", "Update", "Modify", "Attach", "Run", "Start", "Stop", "Copy", "Upload", "Write", "Insert"):
		return domain.ActionWrite
	case hasAnyPrefix(op, "List", "Scan"):
		return domain.ActionList
	case hasAnyPrefix(op, "Describe", "Head"):
		return domain.ActionDescribe
	case hasAnyPrefix(op, "Get", "Read", "Select", "Query", "Download", "Lookup"):
		return domain.ActionRead
	}
	return domain.ActionUnknown
}

func isIdentityAdmin(op string) bool {
	if !hasAnyPrefix(op, "Create", "Attach", "Put", "Update", "Delete", "Detach", "Add") {
		return false
	}
	for _, marker := range []string{"User", "Role", "Policy", "AccessKey", "LoginProfile", "Group"} {
		if strings.Contains(op, marker) && !strings.Contains(op, "Bucket") {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
