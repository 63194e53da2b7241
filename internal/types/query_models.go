package types

// QueryState tracks the single live chat exchange.
type QueryState string

const (
	QueryIdle     QueryState = "idle"
	QueryLoading  QueryState = "loading"
	QueryAnswered QueryState = "answered"
	QueryFailed   QueryState = "failed"
)

type QueryExchange struct {
	InputText    string `json:"input"`
	ResponseText string `json:"response"`
}

// QueryView is what the query endpoint returns to the chat client.
type QueryView struct {
	State QueryState `json:"state"`
	QueryExchange
}
