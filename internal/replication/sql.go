package replication

import (
	"fmt"

	"github.com/lib/pq"
)

// SlotCmdBuilder renders the DDL-equivalent SQL functions for managing a
// logical replication slot, in the same fluent builder style as the
// teacher's PublicationCmdBuilder, repurposed here from
// CREATE/DROP PUBLICATION toward
// pg_create_logical_replication_slot/pg_drop_replication_slot for the
// shared global slot.
type SlotCmdBuilder struct {
	name   string
	plugin string
}

// NewSlotCmdBuilder starts a builder for the named slot.
func NewSlotCmdBuilder(name string) *SlotCmdBuilder {
	return &SlotCmdBuilder{name: name, plugin: "wal2json"}
}

// WithPlugin sets the logical decoding output plugin, defaulting to
// wal2json.
func (b *SlotCmdBuilder) WithPlugin(plugin string) *SlotCmdBuilder {
	b.plugin = plugin
	return b
}

// ToCreateSQL renders the slot-creation call.
func (b *SlotCmdBuilder) ToCreateSQL() string {
	return fmt.Sprintf(
		"SELECT pg_create_logical_replication_slot(%s, %s)",
		quoteLiteral(b.name), quoteLiteral(b.plugin),
	)
}

// ToDropSQL renders the slot-removal call.
func (b *SlotCmdBuilder) ToDropSQL() string {
	return fmt.Sprintf("SELECT pg_drop_replication_slot(%s)", quoteLiteral(b.name))
}

// ToExistsSQL renders a query returning one row if the slot exists.
func (b *SlotCmdBuilder) ToExistsSQL() string {
	return fmt.Sprintf("SELECT 1 FROM pg_replication_slots WHERE slot_name = %s", quoteLiteral(b.name))
}

func quoteLiteral(s string) string {
	return pq.QuoteLiteral(s)
}
