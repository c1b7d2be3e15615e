package doudian

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/niaga-platform/service-doudian/internal/domain/doudian"
)

func TestProductAPIList(t *testing.T) {
	tr := &scriptedTransport{steps: []func(*TransportRequest) (*TransportResponse, error){
		respond(http.StatusOK, `{"code":10000,"msg":"success","data":{"data":[{"product_id":3512345678901234567,"name":"Tea","status":0,"check_status":3,"market_price":1990,"discount_price":1590}],"total":1,"page":0,"size":10}}`),
	}}
	d := newTestDispatcher(t, tr, &fakeTokens{current: "A"}, tokenCodesPolicy(1))

	status := 0
	param := DefaultProductListParam()
	param.Status = &status

	list, err := NewProductAPI(d).List(context.Background(), "", "1001", param)
	require.NoError(t, err)
	require.Len(t, list.Data, 1)
	assert.Equal(t, domain.FlexString("3512345678901234567"), list.Data[0].ProductID)
	assert.Equal(t, "Tea", list.Data[0].Name)
	assert.Equal(t, int64(1), list.Total)

	assert.Equal(t, `{"page":0,"size":10,"status":0}`, string(tr.request(0).Body))
	assert.Contains(t, tr.request(0).URL, "/product/listV2?")
	assert.Contains(t, tr.request(0).URL, "method=product.listV2")
}

func TestProductAPIListError(t *testing.T) {
	tr := &scriptedTransport{steps: []func(*TransportRequest) (*TransportResponse, error){
		respond(http.StatusOK, `{"code":40004,"msg":"invalid param","sub_code":"isv.param-invalid"}`),
	}}
	d := newTestDispatcher(t, tr, &fakeTokens{current: "A"}, tokenCodesPolicy(1))

	_, err := NewProductAPI(d).List(context.Background(), "", "1001", DefaultProductListParam())
	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, domain.CodeInvalidParam, apiErr.Code)
	assert.Equal(t, domain.CategoryValidation, apiErr.Category())
}
