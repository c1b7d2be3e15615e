package doudian

import (
	"context"

	domain "github.com/niaga-platform/service-doudian/internal/domain/doudian"
)

const PathProductList = "/product/listV2"

// ProductListParam filters the product list. Nil fields are omitted.
type ProductListParam struct {
	Page            int     `json:"page"`
	Size            int     `json:"size"`
	Status          *int    `json:"status,omitempty"`
	CheckStatus     *int    `json:"check_status,omitempty"`
	Title           *string `json:"title,omitempty"`
	ProductID       *string `json:"product_id,omitempty"`
	CreateTimeStart *int64  `json:"create_time_start,omitempty"`
	CreateTimeEnd   *int64  `json:"create_time_end,omitempty"`
	UpdateTimeStart *int64  `json:"update_time_start,omitempty"`
	UpdateTimeEnd   *int64  `json:"update_time_end,omitempty"`
}

// DefaultProductListParam returns the first page with ten items.
func DefaultProductListParam() ProductListParam {
	return ProductListParam{Page: 0, Size: 10}
}

// Product is one entry of the product list.
type Product struct {
	ProductID     domain.FlexString `json:"product_id"`
	Name          string            `json:"name"`
	Status        int               `json:"status"`
	CheckStatus   int               `json:"check_status"`
	MarketPrice   int64             `json:"market_price"`
	DiscountPrice int64             `json:"discount_price"`
	Img           string            `json:"img"`
	CreateTime    int64             `json:"create_time"`
	UpdateTime    int64             `json:"update_time"`
}

// ProductList is a page of products.
type ProductList struct {
	Data  []Product `json:"data"`
	Total int64     `json:"total"`
	Page  int       `json:"page"`
	Size  int       `json:"size"`
}

// Dispatch is the part of Dispatcher the typed APIs need.
type Dispatch interface {
	Do(ctx context.Context, profile, shopID string, req Request) (*Response, error)
}

// ProductAPI wraps the product endpoints.
type ProductAPI struct {
	dispatcher Dispatch
}

// NewProductAPI creates a product API over a dispatcher.
func NewProductAPI(dispatcher Dispatch) *ProductAPI {
	return &ProductAPI{dispatcher: dispatcher}
}

// List returns one page of the shop's products. An unsuccessful platform
// response is returned as an *APIError.
func (p *ProductAPI) List(ctx context.Context, profile, shopID string, param ProductListParam) (*ProductList, error) {
	resp, err := p.dispatcher.Do(ctx, profile, shopID, Request{Path: PathProductList, Param: param})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}

	var out ProductList
	if err := resp.DecodeData(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
