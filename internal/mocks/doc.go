// Package mocks provides shared mock implementations for testing.
//
//	func TestSomething(t *testing.T) {
//	    p := mocks.NewMockProvider("primary")
//	    p.RespondWith("Well met, traveler.")
//	    chain, _ := failover.New([]llm.Provider{p}, []string{"primary"}, failover.Config{MaxFailures: 3})
//	    // ...
//	}
//
// # Available Mocks
//
//   - MockProvider: scriptable llm.Provider that records calls
package mocks
