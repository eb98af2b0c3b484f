// Package commerce talks to the Saleor GraphQL API for catalog lookups and
// checkout mutations.
package commerce

import (
    "context"
    "errors"
    "fmt"
    "net/http"
    "time"

    graphql "github.com/hasura/go-graphql-client"
    "github.com/rs/zerolog/log"

    "github.com/local/printcheckout/internal/apperr"
)

// maxProducts is the largest page Saleor serves for a products query.
const maxProducts = 100

type SaleorClient struct {
    gql *graphql.Client
    url string
}

type Options struct {
    URL        string
    Token      string
    Timeout    time.Duration
    HTTPClient *http.Client
}

func NewSaleorClient(opts Options) *SaleorClient {
    hc := opts.HTTPClient
    if hc == nil {
        timeout := opts.Timeout
        if timeout <= 0 {
            timeout = 15 * time.Second
        }
        hc = &http.Client{Timeout: timeout}
    }
    return &SaleorClient{
        gql: graphql.NewClient(opts.URL, &transport{http: hc, token: opts.Token}),
        url: opts.URL,
    }
}

// ProductFilterInput and CheckoutLineInput are named after the Saleor input
// types; the client derives variable types from Go type names.
type ProductFilterInput struct {
    IDs []graphql.ID `json:"ids"`
}

type CheckoutLineInput LineInput

type productsQuery struct {
    Products *struct {
        Edges []struct {
            Node struct {
                ID       string
                Name     string
                Variants []struct {
                    ID      string
                    Name    string
                    Pricing *struct {
                        Price *struct {
                            Gross *struct {
                                Amount *float64
                            }
                        }
                    }
                }
            }
        }
    } `graphql:"products(first: $first, filter: $filter, channel: $channel)"`
}

type checkoutLinesAddMutation struct {
    CheckoutLinesAdd *struct {
        Checkout *struct {
            ID string
        }
        Errors []struct {
            Field   *string
            Message *string
            Code    string
        }
    } `graphql:"checkoutLinesAdd(id: $id, lines: $lines)"`
}

// Products fetches products by id in a sales channel. Ids that do not exist
// are simply absent from the result.
func (c *SaleorClient) Products(ctx context.Context, ids []string, channel string) ([]Product, error) {
    if len(ids) == 0 {
        return nil, nil
    }
    if len(ids) > maxProducts {
        return nil, apperr.Invalid("ids", fmt.Sprintf("at most %d products per query", maxProducts))
    }
    filter := ProductFilterInput{IDs: make([]graphql.ID, len(ids))}
    for i, id := range ids {
        filter.IDs[i] = graphql.ID(id)
    }
    vars := map[string]any{
        "first":   len(ids),
        "filter":  filter,
        "channel": channel,
    }

    var q productsQuery
    if gqlErr, err := c.run(ctx, func(ctx context.Context) error {
        return c.gql.Query(ctx, &q, vars, graphql.OperationName("GetProducts"))
    }); err != nil {
        return nil, fmt.Errorf("products query: %w", err)
    } else if gqlErr != nil {
        return nil, fmt.Errorf("products query: %w", gqlErr)
    }
    if q.Products == nil {
        return nil, nil
    }

    products := make([]Product, 0, len(q.Products.Edges))
    for _, e := range q.Products.Edges {
        p := Product{ID: e.Node.ID, Name: e.Node.Name}
        for _, v := range e.Node.Variants {
            variant := Variant{ID: v.ID, Name: v.Name}
            if v.Pricing != nil && v.Pricing.Price != nil && v.Pricing.Price.Gross != nil {
                variant.Price = v.Pricing.Price.Gross.Amount
            }
            p.Variants = append(p.Variants, variant)
        }
        products = append(products, p)
    }
    return products, nil
}

// CheckoutLinesAdd adds all lines to the checkout in one mutation.
func (c *SaleorClient) CheckoutLinesAdd(ctx context.Context, checkoutID string, lines []LineInput) error {
    const op = "checkoutLinesAdd"
    in := make([]CheckoutLineInput, len(lines))
    for i, l := range lines {
        in[i] = CheckoutLineInput(l)
    }
    vars := map[string]any{"id": graphql.ID(checkoutID), "lines": in}

    var m checkoutLinesAddMutation
    gqlErr, err := c.run(ctx, func(ctx context.Context) error {
        return c.gql.Mutate(ctx, &m, vars, graphql.OperationName("CheckoutLinesAdd"))
    })
    if err != nil {
        return fmt.Errorf("%s: %w", op, err)
    }
    if gqlErr != nil {
        return &apperr.DownstreamMutationError{Operation: op, Messages: messages(gqlErr)}
    }

    res := m.CheckoutLinesAdd
    if res == nil {
        return &apperr.DownstreamMutationError{Operation: op}
    }
    if len(res.Errors) > 0 {
        msgs := make([]string, 0, len(res.Errors))
        for _, e := range res.Errors {
            msg := e.Code
            if e.Message != nil {
                msg = *e.Message
            }
            if e.Field != nil {
                msg = *e.Field + ": " + msg
            }
            msgs = append(msgs, msg)
        }
        return &apperr.DownstreamMutationError{Operation: op, Messages: msgs}
    }
    if res.Checkout == nil {
        return &apperr.DownstreamMutationError{Operation: op, Messages: []string{"no checkout returned"}}
    }
    log.Info().Str("checkout", checkoutID).Int("lines", len(lines)).Msg("checkout lines added")
    return nil
}

// run executes one GraphQL call and splits its failure in two: err is a
// transport failure (network, HTTP status, rate limit), gqlErr is an error
// the API itself reported.
func (c *SaleorClient) run(ctx context.Context, call func(context.Context) error) (gqlErr, err error) {
    if c.url == "" {
        return nil, errors.New("missing SALEOR_API_URL")
    }
    rt := &roundTrip{}
    callErr := call(context.WithValue(ctx, roundTripKey{}, rt))
    switch {
    case rt.status == http.StatusTooManyRequests:
        return nil, ErrRateLimited
    case rt.err != nil:
        return nil, rt.err
    case rt.status != 0 && (rt.status < 200 || rt.status >= 300):
        return nil, fmt.Errorf("saleor status %d", rt.status)
    case callErr != nil && rt.status == 0:
        return nil, callErr
    }
    return callErr, nil
}

func messages(err error) []string {
    var errs graphql.Errors
    if !errors.As(err, &errs) {
        return []string{err.Error()}
    }
    msgs := make([]string, 0, len(errs))
    for _, e := range errs {
        msgs = append(msgs, e.Message)
    }
    return msgs
}

type roundTripKey struct{}

// roundTrip records the HTTP outcome of a call, which the GraphQL client
// otherwise folds into its error list.
type roundTrip struct {
    status int
    err    error
}

// transport authenticates requests and reports their outcome to run.
type transport struct {
    http  *http.Client
    token string
}

func (t *transport) Do(req *http.Request) (*http.Response, error) {
    if t.token != "" {
        req.Header.Set("Authorization", "Bearer "+t.token)
    }
    rt, _ := req.Context().Value(roundTripKey{}).(*roundTrip)

    start := time.Now()
    resp, err := t.http.Do(req)
    if err != nil {
        if rt != nil {
            rt.err = err
        }
        return nil, err
    }
    log.Debug().Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("saleor request")
    if rt != nil {
        rt.status = resp.StatusCode
    }
    return resp, nil
}
