// Package models provides data model definitions for the dukapos sync core.
package models

import "encoding/json"

// EntityType identifies a record kind mirrored between the local store and
// the remote authority. The set is closed; unknown types are rejected at the
// queue boundary.
type EntityType string

const (
	EntitySale                EntityType = "sale"
	EntitySaleItem            EntityType = "sale_item"
	EntityExpense             EntityType = "expense"
	EntityProduct             EntityType = "product"
	EntityProductBatch        EntityType = "product_batch"
	EntityStockMovement       EntityType = "stock_movement"
	EntitySupplier            EntityType = "supplier"
	EntitySupplierOrder       EntityType = "supplier_order"
	EntitySupplierOrderItem   EntityType = "supplier_order_item"
	EntitySupplierReturn      EntityType = "supplier_return"
	EntityProductSupplierLink EntityType = "product_supplier_link"
	EntityCreditPayment       EntityType = "credit_payment"
	EntityUser                EntityType = "user"
	EntityStockoutReport      EntityType = "stockout_report"
	EntitySalePrescription    EntityType = "sale_prescription"
	EntityProductSubstitute   EntityType = "product_substitute"
)

// AllEntityTypes lists every entity type in a stable order. Iteration over
// sync batches and pull merges uses this order so runs are deterministic.
var AllEntityTypes = []EntityType{
	EntitySale,
	EntitySaleItem,
	EntityExpense,
	EntityProduct,
	EntityProductBatch,
	EntityStockMovement,
	EntitySupplier,
	EntitySupplierOrder,
	EntitySupplierOrderItem,
	EntitySupplierReturn,
	EntityProductSupplierLink,
	EntityCreditPayment,
	EntityUser,
	EntityStockoutReport,
	EntitySalePrescription,
	EntityProductSubstitute,
}

// Valid reports whether t is a member of the closed entity type set.
func (t EntityType) Valid() bool {
	for _, known := range AllEntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Action identifies the kind of mutation carried by a queue item.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionUpdateSecret rotates a user credential. It is pushed like any
	// other update but the payload carries only the new secret material.
	ActionUpdateSecret Action = "update_secret"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionUpdateSecret:
		return true
	}
	return false
}

// EntityRecord is a row in the local entities table: one mirrored record,
// stored as the JSON snapshot the UI layer wrote.
type EntityRecord struct {
	Type      EntityType      `db:"entity_type" json:"entity_type"`
	EntityID  string          `db:"entity_id" json:"entity_id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for EntityRecord.
func (EntityRecord) TableName() string {
	return "entities"
}
