package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/betbot/copyflow/internal/metrics"
	"github.com/betbot/copyflow/internal/ports"
	"github.com/betbot/copyflow/internal/store"
	"github.com/betbot/copyflow/pkg/logger"
)

// MarketPoller 市场目录轮询器（慢路径）
// 周期性从数据服务拉全量市场写入存储。feed 来源的市场会被存储层
// 的来源优先级规则保护，这里只负责按节奏拉取。
type MarketPoller struct {
	catalog  ports.MarketCatalog
	markets  *store.MarketStore
	interval time.Duration
	timeout  time.Duration

	polls     atomic.Int64
	pollFails atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMarketPoller 创建市场轮询器
func NewMarketPoller(catalog ports.MarketCatalog, markets *store.MarketStore, interval time.Duration) *MarketPoller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &MarketPoller{
		catalog:  catalog,
		markets:  markets,
		interval: interval,
		timeout:  30 * time.Second,
	}
}

// Start 立即拉一次目录，然后进入周期轮询
// 启动拉取失败只记日志，等下一个周期重试。
func (p *MarketPoller) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.PollOnce()

	p.wg.Add(1)
	go p.loop()
}

// Close 停止轮询循环
func (p *MarketPoller) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// PollOnce 执行一次目录拉取并写入存储
func (p *MarketPoller) PollOnce() {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	markets, err := p.catalog.FetchMarkets(ctx)
	if err != nil {
		p.pollFails.Add(1)
		logger.Warnf("拉取市场目录失败: %v", err)
		return
	}

	written, kept := 0, 0
	for _, m := range markets {
		if p.markets.UpsertFromPoll(m) {
			written++
		} else {
			// feed 来源的市场：只合并元信息，价格保持快路径的值
			kept++
		}
	}

	p.polls.Add(1)
	metrics.CatalogPolls.Add(1)
	logger.Debugf("市场目录轮询完成: 总数=%d 写入=%d 保持feed=%d", len(markets), written, kept)
}

// Stats 轮询统计（ops 快照用）
func (p *MarketPoller) Stats() (polls, fails int64) {
	return p.polls.Load(), p.pollFails.Load()
}

func (p *MarketPoller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce()
		}
	}
}
