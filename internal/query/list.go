package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/model"
)

// ListRequest is one order listing call.
type ListRequest struct {
	// Filter is the decoded JSON filter tree; nil lists everything.
	Filter interface{}

	// Sort holds "field" / "-field" specifications, applied in order.
	Sort []string

	Page     int
	PageSize int
}

// ListResult is one page of matching orders.
type ListResult struct {
	Orders   []model.Order `json:"orders"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// Lister executes listOrders queries.
type Lister struct {
	db  *gorm.DB
	cfg config.QueryConfig
}

// NewLister creates a lister.
func NewLister(db *gorm.DB, cfg config.QueryConfig) *Lister {
	return &Lister{db: db, cfg: cfg}
}

// List parses, validates and runs one listing. The indexed equality
// conjuncts (type, state) are pushed into SQL; the rest of the tree is
// evaluated per row.
func (l *Lister) List(ctx context.Context, req ListRequest) (*ListResult, error) {
	filter, err := ParseFilter(req.Filter, l.cfg.MaxMetaDepth)
	if err != nil {
		return nil, err
	}
	sortKeys, err := ParseSort(req.Sort)
	if err != nil {
		return nil, err
	}
	if len(sortKeys) == 0 {
		sortKeys = []SortKey{{Field: "created_at", Desc: true}}
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize < 1 {
		pageSize = l.cfg.MaxPageSize
	}
	if l.cfg.MaxPageSize > 0 && pageSize > l.cfg.MaxPageSize {
		pageSize = l.cfg.MaxPageSize
	}

	q := l.db.WithContext(ctx).Model(&model.Order{})
	for field, value := range sqlConjuncts(filter) {
		q = q.Where(fmt.Sprintf("%s = ?", field), value)
	}

	var rows []model.Order
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	matched := rows[:0]
	for i := range rows {
		if Evaluate(filter, &rows[i]) {
			matched = append(matched, rows[i])
		}
	}

	sortOrders(matched, sortKeys)

	total := len(matched)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return &ListResult{
		Orders:   matched[start:end],
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// sqlConjuncts extracts top-level equality conjuncts on indexed columns so
// the store pre-filters before per-row evaluation. Only unconditionally
// required leaves qualify: the root leaf, or direct children of a root and
// group.
func sqlConjuncts(node *Node) map[string]interface{} {
	if node == nil {
		return nil
	}
	conjuncts := make(map[string]interface{})
	leaves := []Node{*node}
	if len(node.And) > 0 {
		leaves = node.And
	} else if len(node.Or) > 0 {
		return nil
	}
	for _, leaf := range leaves {
		if leaf.isGroup() || leaf.Op != OpEq {
			continue
		}
		switch leaf.Field {
		case "type", "state", "priority", "requested_by_id":
			if _, dup := conjuncts[leaf.Field]; !dup {
				conjuncts[leaf.Field] = leaf.Value
			}
		}
	}
	return conjuncts
}

func sortOrders(orders []model.Order, keys []SortKey) {
	sort.SliceStable(orders, func(i, j int) bool {
		for _, key := range keys {
			cmp := compareOrders(&orders[i], &orders[j], key.Field)
			if cmp == 0 {
				continue
			}
			if key.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func compareOrders(a, b *model.Order, field string) int {
	switch field {
	case "priority":
		return a.Priority - b.Priority
	case "created_at":
		return a.CreatedAt.Compare(b.CreatedAt)
	case "updated_at":
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case "state":
		return strings.Compare(string(a.State), string(b.State))
	case "type":
		return strings.Compare(a.Type, b.Type)
	}
	return 0
}
