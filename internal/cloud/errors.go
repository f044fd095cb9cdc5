package cloud

import "fmt"

// ProvisionError reports a failed provisioning engine run. Partially
// applied infrastructure is never rolled back automatically; the engine's
// own state still knows about it and a later destroy cleans it up.
type ProvisionError struct {
	Op  string // init, apply, destroy, output
	Err error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning engine %s failed: %v", e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }
