package sync

import (
	"context"
	"encoding/json"

	apperrors "github.com/nduati/dukapos/backend/internal/errors"
	"github.com/nduati/dukapos/backend/internal/logging"
	"github.com/nduati/dukapos/backend/internal/models"
	"github.com/nduati/dukapos/backend/internal/store"
)

// Auditor detects silent divergence the push/pull protocol did not catch.
// It computes locally-trusted aggregates, submits them for server-side
// recomputation, and reports matches and mismatches. Strictly read-only on
// both stores; remediation is the separate force-refresh operation.
type Auditor struct {
	store  *store.Store
	client *RemoteClient
}

// NewAuditor creates a reconciliation auditor.
func NewAuditor(s *store.Store, client *RemoteClient) *Auditor {
	return &Auditor{store: s, client: client}
}

// Payload shapes for aggregate extraction. Only the audited fields are
// decoded; the rest of each snapshot is opaque to the sync core.
type batchPayload struct {
	ProductID string  `json:"productId"`
	Quantity  float64 `json:"quantity"`
}

type saleItemPayload struct {
	SaleID    string  `json:"saleId"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

type movementPayload struct {
	QuantityChange float64 `json:"quantityChange"`
}

type expensePayload struct {
	Amount float64 `json:"amount"`
}

// Run executes one audit: build aggregates, submit, translate the response.
func (a *Auditor) Run(ctx context.Context) (*models.AuditReport, error) {
	aggregates, err := a.BuildAggregates()
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Audit(ctx, &AuditRequest{
		DeviceID:   a.client.DeviceID(),
		Aggregates: aggregates,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAuditFailed, "audit request failed", err)
	}

	report := &models.AuditReport{
		Status:          resp.Status,
		TotalMismatches: resp.TotalMismatches,
		Results:         resp.Results,
	}
	if report.Status == "" {
		report.Status = models.AuditStatusHealthy
	}

	if report.Healthy() {
		logging.Info("audit healthy", map[string]interface{}{
			"types_audited": len(aggregates),
		})
	} else {
		logging.Warn("audit found drift", map[string]interface{}{
			"total_mismatches": report.TotalMismatches,
		})
	}
	return report, nil
}

// BuildAggregates computes the locally-trusted values: current stock per
// product (sum of its batch quantities), total per sale (sum of line
// subtotals), quantity change per stock movement, amount per expense.
func (a *Auditor) BuildAggregates() (map[models.EntityType][]models.AuditAggregate, error) {
	aggregates := make(map[models.EntityType][]models.AuditAggregate)

	productStock, err := a.productStock()
	if err != nil {
		return nil, err
	}
	aggregates[models.EntityProduct] = productStock

	saleTotals, err := a.saleTotals()
	if err != nil {
		return nil, err
	}
	aggregates[models.EntitySale] = saleTotals

	movements, err := a.fieldAggregates(models.EntityStockMovement, func(payload []byte) (float64, error) {
		var p movementPayload
		err := json.Unmarshal(payload, &p)
		return p.QuantityChange, err
	})
	if err != nil {
		return nil, err
	}
	aggregates[models.EntityStockMovement] = movements

	expenses, err := a.fieldAggregates(models.EntityExpense, func(payload []byte) (float64, error) {
		var p expensePayload
		err := json.Unmarshal(payload, &p)
		return p.Amount, err
	})
	if err != nil {
		return nil, err
	}
	aggregates[models.EntityExpense] = expenses

	return aggregates, nil
}

// productStock sums batch quantities per product. Every known product gets
// an aggregate, including zero-stock ones, so missing-remotely drift on a
// stockout is still visible.
func (a *Auditor) productStock() ([]models.AuditAggregate, error) {
	products, err := a.store.QueryAll(models.EntityProduct)
	if err != nil {
		return nil, err
	}
	batches, err := a.store.QueryAll(models.EntityProductBatch)
	if err != nil {
		return nil, err
	}

	stock := make(map[string]float64, len(products))
	for _, product := range products {
		stock[product.EntityID] = 0
	}
	for _, batch := range batches {
		var p batchPayload
		if err := json.Unmarshal(batch.Payload, &p); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrAuditFailed, "malformed batch payload "+batch.EntityID, err)
		}
		if _, known := stock[p.ProductID]; known {
			stock[p.ProductID] += p.Quantity
		}
	}

	result := make([]models.AuditAggregate, 0, len(products))
	for _, product := range products {
		result = append(result, models.AuditAggregate{
			EntityID: product.EntityID,
			Value:    stock[product.EntityID],
		})
	}
	return result, nil
}

// saleTotals sums quantity times unit price across each sale's line items.
func (a *Auditor) saleTotals() ([]models.AuditAggregate, error) {
	sales, err := a.store.QueryAll(models.EntitySale)
	if err != nil {
		return nil, err
	}
	lines, err := a.store.QueryAll(models.EntitySaleItem)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]float64, len(sales))
	for _, sale := range sales {
		totals[sale.EntityID] = 0
	}
	for _, line := range lines {
		var p saleItemPayload
		if err := json.Unmarshal(line.Payload, &p); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrAuditFailed, "malformed sale item payload "+line.EntityID, err)
		}
		if _, known := totals[p.SaleID]; known {
			totals[p.SaleID] += p.Quantity * p.UnitPrice
		}
	}

	result := make([]models.AuditAggregate, 0, len(sales))
	for _, sale := range sales {
		result = append(result, models.AuditAggregate{
			EntityID: sale.EntityID,
			Value:    totals[sale.EntityID],
		})
	}
	return result, nil
}

func (a *Auditor) fieldAggregates(t models.EntityType, extract func([]byte) (float64, error)) ([]models.AuditAggregate, error) {
	records, err := a.store.QueryAll(t)
	if err != nil {
		return nil, err
	}

	result := make([]models.AuditAggregate, 0, len(records))
	for _, rec := range records {
		value, err := extract(rec.Payload)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrAuditFailed, "malformed payload "+rec.EntityID, err)
		}
		result = append(result, models.AuditAggregate{EntityID: rec.EntityID, Value: value})
	}
	return result, nil
}
