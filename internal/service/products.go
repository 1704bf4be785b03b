package service

import (
	"context"
	"fmt"
	"strings"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func (s *Service) ListProducts(ctx context.Context, query string) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, query)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) AddProduct(ctx context.Context, req domain.ProductRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, productFromRequest(req))
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID,
		fmt.Sprintf("name=%s,variant=%s,price=%s,cost=%s,qty=%d", created.Name, created.Variant, created.Price, created.CostPrice, created.Quantity))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	product := productFromRequest(req)
	product.ID = strings.TrimSpace(id)
	updated, err := s.repo.UpdateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", updated.ID,
		fmt.Sprintf("name=%s,variant=%s,price=%s,cost=%s,qty=%d", updated.Name, updated.Variant, updated.Price, updated.CostPrice, updated.Quantity))
	return *updated, nil
}

// RemoveProduct deletes unconditionally. Past sales keep their snapshots.
func (s *Service) RemoveProduct(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}

	id = strings.TrimSpace(id)
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "product_delete", "product", id, "")
	return nil
}

func (s *Service) AdjustQuantity(ctx context.Context, id string, req domain.QuantityAdjustRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	if req.Delta == 0 {
		return domain.Product{}, fmt.Errorf("%w: delta must not be zero", store.ErrValidation)
	}

	adjusted, err := s.repo.AdjustQuantity(ctx, strings.TrimSpace(id), req.Delta)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "stock_adjust", "product", adjusted.ID,
		fmt.Sprintf("delta=%d,qty=%d,reason=%s", req.Delta, adjusted.Quantity, strings.TrimSpace(req.Reason)))
	return *adjusted, nil
}

func productFromRequest(req domain.ProductRequest) domain.Product {
	return domain.Product{
		Name:      req.Name,
		Variant:   req.Variant,
		CostPrice: req.CostPrice,
		Price:     req.Price,
		Quantity:  req.Quantity,
	}
}
