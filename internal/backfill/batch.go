package backfill

import (
	"context"
	"sync"
)

// SymbolResult pairs a symbol with its run outcome.
type SymbolResult struct {
	Symbol string
	Result *Result
	Err    error
}

// RunBatch backfills every symbol in the list with a bounded worker pool and
// returns one entry per symbol. Individual failures do not stop the batch.
func (e *Engine) RunBatch(ctx context.Context, symbols []string, p Params) []SymbolResult {
	workers := e.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(symbols) {
		workers = len(symbols)
	}

	taskChan := make(chan string, len(symbols))
	resultChan := make(chan SymbolResult, len(symbols))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range taskChan {
				params := p
				params.Symbol = symbol
				res, err := e.Run(ctx, params)
				resultChan <- SymbolResult{Symbol: symbol, Result: res, Err: err}
			}
		}()
	}

	for _, symbol := range symbols {
		taskChan <- symbol
	}
	close(taskChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]SymbolResult, 0, len(symbols))
	for res := range resultChan {
		results = append(results, res)
	}
	return results
}
