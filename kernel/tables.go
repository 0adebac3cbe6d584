package kernel

// tableToKernelChains lists the root chains the kernel itself creates for
// each built-in table; a manager never owns these; it only ever hooks into
// them via EnsureRuleInserted.
var tableToKernelChains = map[string][]string{
	"filter": {"INPUT", "FORWARD", "OUTPUT"},
	"nat":    {"PREROUTING", "INPUT", "OUTPUT", "POSTROUTING"},
	"mangle": {"PREROUTING", "INPUT", "FORWARD", "OUTPUT", "POSTROUTING"},
	"raw":    {"PREROUTING", "OUTPUT"},
}

// KernelChains returns the root chains the kernel creates for table, or nil
// if table isn't one of the four built-ins.
func KernelChains(table string) []string {
	return tableToKernelChains[table]
}

// IsKnownTable reports whether table is one of the kernel's built-in
// packet-filter tables.
func IsKnownTable(table string) bool {
	_, ok := tableToKernelChains[table]
	return ok
}
