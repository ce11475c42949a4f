package router

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"voucher_rush/internal/cache"
	"voucher_rush/internal/config"
	"voucher_rush/internal/model"
	"voucher_rush/internal/seckill"
	"voucher_rush/internal/shop"
	"voucher_rush/pkg/idgen"
)

const testAdminToken = "test-admin-token"

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	return newTestRouterWithQueue(t, 64)
}

func newTestRouterWithQueue(t *testing.T, queueSize int) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Shop{}, &model.SeckillVoucher{}, &model.VoucherOrder{}))

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := config.AppConfig{
		BuyRateLimit:  1000,
		BuyRateWindow: time.Second,
		ShopCacheTTL:  30 * time.Minute,
		StockCacheTTL: time.Hour,
		AdminToken:    testAdminToken,
	}

	cacheClient := cache.NewClient(rdb, log)
	idWorker := idgen.NewWorker(rdb)
	shopSvc := shop.NewService(db, rdb, cacheClient, cfg.ShopCacheTTL)
	seckillSvc := seckill.NewService(db, rdb, cacheClient, idWorker, queueSize, nil, log)

	r := gin.New()
	Setup(r, db, rdb, shopSvc, seckillSvc, idWorker, cfg)
	return r, db
}

func doJSON(r *gin.Engine, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func createTestVoucher(t *testing.T, r *gin.Engine, stock int) uint64 {
	t.Helper()
	body := fmt.Sprintf(`{
		"title": "100元代金券",
		"stock": %d,
		"sale_price": 8000,
		"begin_time": %q,
		"end_time": %q
	}`, stock, time.Now().Add(-time.Hour).Format(time.RFC3339), time.Now().Add(time.Hour).Format(time.RFC3339))

	w, out := doJSON(r, http.MethodPost, "/api/vouchers", body, map[string]string{"X-Admin-Token": testAdminToken})
	require.Equal(t, http.StatusOK, w.Code)
	data := out["data"].(map[string]any)
	return uint64(data["id"].(float64))
}

func TestSeckillEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	voucherID := createTestVoucher(t, r, 1)
	path := fmt.Sprintf("/api/seckill/%d", voucherID)

	// 未认证被拒
	w, _ := doJSON(r, http.MethodPost, path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 首次抢购成功并返回订单号
	w, out := doJSON(r, http.MethodPost, path, "", map[string]string{"X-User-Id": "7"})
	require.Equal(t, http.StatusOK, w.Code)
	data := out["data"].(map[string]any)
	assert.NotZero(t, data["order_id"])

	// 同一用户重复抢购
	w, out = doJSON(r, http.MethodPost, path, "", map[string]string{"X-User-Id": "7"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(seckill.ReasonDuplicate), out["reason"])

	// 另一用户库存不足
	w, out = doJSON(r, http.MethodPost, path, "", map[string]string{"X-User-Id": "8"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(seckill.ReasonInsufficientStock), out["reason"])

	// 实时库存归零
	w, out = doJSON(r, http.MethodGet, fmt.Sprintf("/api/seckill/stock/%d", voucherID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), out["data"].(map[string]any)["stock"])
}

func TestSeckillEndpointBusy(t *testing.T) {
	// 无缓冲队列且无消费者：投递饱和，走 busy 分支
	r, _ := newTestRouterWithQueue(t, 0)
	voucherID := createTestVoucher(t, r, 1)

	w, out := doJSON(r, http.MethodPost, fmt.Sprintf("/api/seckill/%d", voucherID), "",
		map[string]string{"X-User-Id": "7"})
	// 背压属于可重试的服务状态，与业务性拒绝（400）区分开
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(seckill.ReasonBusy), out["reason"])
}

func TestVoucherAdminEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	// 缺管理员 token
	w, _ := doJSON(r, http.MethodPost, "/api/vouchers", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	voucherID := createTestVoucher(t, r, 5)
	w, _ = doJSON(r, http.MethodPost, fmt.Sprintf("/api/vouchers/%d/preload", voucherID), "",
		map[string]string{"X-Admin-Token": testAdminToken})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(r, http.MethodPost, "/api/vouchers/9999/preload", "",
		map[string]string{"X-Admin-Token": testAdminToken})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShopEndpoints(t *testing.T) {
	r, db := newTestRouter(t)

	s := &model.Shop{Name: "茶颜悦色", Address: "人民路1号"}
	require.NoError(t, db.Create(s).Error)

	w, out := doJSON(r, http.MethodGet, fmt.Sprintf("/api/shops/%d", s.ID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "茶颜悦色", out["data"].(map[string]any)["name"])

	w, _ = doJSON(r, http.MethodGet, "/api/shops/9999", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 更新后缓存被清，读到新值
	w, _ = doJSON(r, http.MethodPut, fmt.Sprintf("/api/shops/%d", s.ID), `{"name":"新名字"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, out = doJSON(r, http.MethodGet, fmt.Sprintf("/api/shops/%d", s.ID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "新名字", out["data"].(map[string]any)["name"])

	// 热点预热 + 逻辑过期读取
	w, _ = doJSON(r, http.MethodPost, fmt.Sprintf("/api/shops/%d/warm", s.ID), "",
		map[string]string{"X-Admin-Token": testAdminToken})
	require.Equal(t, http.StatusOK, w.Code)
	w, out = doJSON(r, http.MethodGet, fmt.Sprintf("/api/hot_shops/%d", s.ID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "新名字", out["data"].(map[string]any)["name"])
}

func TestNextIDEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w, _ := doJSON(r, http.MethodGet, "/api/ids/next", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// ID 已超出 float64 精确整数范围，必须解码成 int64 再比较
	nextID := func() int64 {
		w, _ := doJSON(r, http.MethodGet, "/api/ids/next?prefix=order", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var out struct {
			Data struct {
				ID int64 `json:"id"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		return out.Data.ID
	}

	first := nextID()
	assert.NotZero(t, first)
	assert.Greater(t, nextID(), first)
}
