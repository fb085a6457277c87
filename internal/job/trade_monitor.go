package job

import (
	"context"
	"log"
	"time"

	"tokenmarket/internal/service"
)

// PendingTradeSource 进行中的成交
type PendingTradeSource interface {
	PendingTrades(olderThan time.Duration) []service.PendingTrade
}

// TradeMonitorJob 上报长时间停留在两腿之间的成交
// 只记录，不做超时回滚：Leg B 迟早会返回结果，由 Buy 自己完成补偿
type TradeMonitorJob struct {
	source    PendingTradeSource
	stopCh    chan struct{}
	interval  time.Duration
	threshold time.Duration
}

func NewTradeMonitorJob(source PendingTradeSource, threshold time.Duration) *TradeMonitorJob {
	return &TradeMonitorJob{
		source:    source,
		stopCh:    make(chan struct{}),
		interval:  30 * time.Second,
		threshold: threshold,
	}
}

func (j *TradeMonitorJob) Start(ctx context.Context) {
	log.Println("[TradeMonitorJob] 成交监控任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[TradeMonitorJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[TradeMonitorJob] 任务停止")
			return
		case <-ticker.C:
			j.Check()
		}
	}
}

func (j *TradeMonitorJob) Stop() {
	close(j.stopCh)
}

// Check 返回本轮发现的滞留成交数量
func (j *TradeMonitorJob) Check() int {
	trades := j.source.PendingTrades(j.threshold)
	if len(trades) == 0 {
		return 0
	}

	log.Printf("[TradeMonitorJob] 发现 %d 笔滞留成交", len(trades))
	for _, t := range trades {
		log.Printf("[TradeMonitorJob] 滞留成交: tradeNo=%s, listingID=%d, buyer=%s, seller=%s, stage=%s, since=%s",
			t.TradeNo, t.ListingID, t.Buyer, t.Seller, t.Stage, t.StartedAt.Format(time.RFC3339))
	}
	return len(trades)
}
