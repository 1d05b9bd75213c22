package builtin

import (
	"flexicli/internal/tools"
)

// RegisterAll registers the builtin tool set with the registry, with
// all filesystem access confined to root.
func RegisterAll(reg *tools.Registry, root string) error {
	scope, err := NewScope(root)
	if err != nil {
		return err
	}

	all := []tools.Tool{
		ReadFile(scope),
		WriteFile(scope),
		EditFile(scope),
		ListDir(scope),
		Grep(scope),
		Shell(scope),
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
