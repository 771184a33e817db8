// Package mocks holds test doubles shared by several packages: a scan
// engine, an alert notifier and a testify-based result store.
//
// Function-field mocks (MockEngine, MockNotifier) record their calls and fall
// back to a harmless default when the field is nil:
//
//	engine := &mocks.MockEngine{
//	    ScanFn: func(ctx context.Context, url string, _ scanner.Options) (*scanner.Report, error) {
//	        return nil, scanner.Permanent(errors.New("blocked"))
//	    },
//	}
package mocks
