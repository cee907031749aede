package dsmodel

import (
	"strings"

	"dsmcp/internal/domain"
)

// defaultRole is granted when a restrict entry names no `to` role.
const defaultRole = "authenticated-user"

// parseRestrictions normalizes the role/grant vocabulary into a restriction
// list. `requires <role>` gates full access solely by role membership;
// `restrict` entries carry a grant (READ/CREATE/UPDATE/DELETE/CHANGE/WRITE/*)
// and one or more roles. Entries are OR'd at evaluation time.
func parseRestrictions(target string, annots map[string]any) ([]domain.Restriction, error) {
	var out []domain.Restriction

	switch req := annots[annRequires].(type) {
	case nil:
	case string:
		out = append(out, domain.Restriction{Role: req})
	case []any:
		for _, item := range req {
			role, ok := item.(string)
			if !ok || role == "" {
				return nil, authorErrf(target, "requires entries must be role names")
			}
			out = append(out, domain.Restriction{Role: role})
		}
	default:
		return nil, authorErrf(target, "requires must be a role name or a list of role names")
	}

	rawRestrict, ok := annots[annRestrict]
	if !ok {
		return out, nil
	}
	list, ok := rawRestrict.([]any)
	if !ok {
		return nil, authorErrf(target, "restrict must be a list of grant entries")
	}
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, authorErrf(target, "restrict entries must be objects with grant and to")
		}
		ops, err := expandGrants(target, entry["grant"])
		if err != nil {
			return nil, err
		}
		roles, err := restrictRoles(target, entry["to"])
		if err != nil {
			return nil, err
		}
		for _, role := range roles {
			out = append(out, domain.Restriction{Role: role, Operations: ops})
		}
	}
	return out, nil
}

func expandGrants(target string, raw any) ([]domain.Operation, error) {
	var grants []string
	switch v := raw.(type) {
	case nil:
		grants = []string{"*"}
	case string:
		grants = []string{v}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, authorErrf(target, "restrict grants must be strings")
			}
			grants = append(grants, s)
		}
	default:
		return nil, authorErrf(target, "restrict grant must be a string or a list")
	}

	seen := map[domain.Operation]bool{}
	var ops []domain.Operation
	add := func(op domain.Operation) {
		if !seen[op] {
			seen[op] = true
			ops = append(ops, op)
		}
	}
	for _, grant := range grants {
		switch strings.ToUpper(grant) {
		case "READ":
			add(domain.OpRead)
		case "CREATE":
			add(domain.OpCreate)
		case "UPDATE", "CHANGE":
			add(domain.OpUpdate)
		case "DELETE":
			add(domain.OpDelete)
		case "WRITE":
			add(domain.OpCreate)
			add(domain.OpUpdate)
			add(domain.OpDelete)
		case "*":
			add(domain.OpRead)
			add(domain.OpCreate)
			add(domain.OpUpdate)
			add(domain.OpDelete)
		default:
			return nil, authorErrf(target, "unknown restrict grant %q (allowed: READ, CREATE, UPDATE, DELETE, CHANGE, WRITE, *)", grant)
		}
	}
	return ops, nil
}

func restrictRoles(target string, raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return []string{defaultRole}, nil
	case string:
		return []string{v}, nil
	case []any:
		var roles []string
		for _, item := range v {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, authorErrf(target, "restrict roles must be non-empty strings")
			}
			roles = append(roles, s)
		}
		if len(roles) == 0 {
			return []string{defaultRole}, nil
		}
		return roles, nil
	default:
		return nil, authorErrf(target, "restrict to must be a role or a list of roles")
	}
}
