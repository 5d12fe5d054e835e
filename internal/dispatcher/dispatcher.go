// Package dispatcher fans downloads out to a bounded pool of workers.
package dispatcher

import (
	"context"
	"sync"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
	"github.com/JakeFAU/csv-harvester/internal/metrics"
)

// DefaultThreads is the pool size used when none is configured.
const DefaultThreads = 5

// Dispatcher runs Downloader calls on at most threads goroutines.
type Dispatcher struct {
	threads    int
	downloader harvest.Downloader
}

// New creates a Dispatcher. threads <= 0 selects DefaultThreads.
func New(threads int, downloader harvest.Downloader) *Dispatcher {
	metrics.Init()
	if threads <= 0 {
		threads = DefaultThreads
	}
	return &Dispatcher{
		threads:    threads,
		downloader: downloader,
	}
}

// DownloadAll downloads every link and partitions the outcomes in completion
// order. It always returns exactly len(links) outcomes.
func (d *Dispatcher) DownloadAll(ctx context.Context, links []harvest.CsvLink) harvest.Result {
	result := harvest.Result{
		Succeeded: []harvest.Outcome{},
		Failed:    []harvest.Outcome{},
	}
	if len(links) == 0 {
		return result
	}

	jobs := make(chan harvest.CsvLink)
	outcomes := make(chan harvest.Outcome, len(links))

	var wg sync.WaitGroup
	for range min(d.threads, len(links)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for link := range jobs {
				outcomes <- d.download(ctx, link)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, link := range links {
			jobs <- link
		}
	}()
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for outcome := range outcomes {
		result.Add(outcome)
	}
	return result
}

func (d *Dispatcher) download(ctx context.Context, link harvest.CsvLink) harvest.Outcome {
	metrics.IncActiveDownloads()
	defer metrics.DecActiveDownloads()
	return d.downloader.Download(ctx, link)
}
