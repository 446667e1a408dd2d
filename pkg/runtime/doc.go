// Package runtime is the execution kernel of cubetl.
//
// # Key Components
//
// Component: anything with a one-time lifecycle. Components embed Base,
// which carries the reference name (urn) and the lifecycle flags, and
// override the Initialize, Finalize and Describe hooks they need.
//
// Node: a Component that processes one message into a lazy sequence of
// messages (iter.Seq2). Identity yields its input; Chain composes nodes
// depth-first; Filter and Set are small built-in transforms.
//
// Context: the state shared by one pipeline run. It owns the Registry, the
// property table, the expression engine and the table of declared
// components. It is created with NewContext and released with Close.
//
// Registry: the lifecycle manager. It initializes every component at most
// once, finalizes in reverse initialization order, and is the single point
// through which nodes are invoked.
//
// Mappings: a reusable fragment of configuration entries. Expand replaces
// fragment references by deep copies of their resolved entries and reports
// reference cycles as configuration errors.
//
// ContextProperties: a component that publishes named values into the
// property table; the first registration of a name wins.
//
// # Pull Composition
//
// Driving a chain means that for each message produced by node i, node i+1
// is fully driven before node i is asked for its next message:
//
//	for out := range node[i](m) {
//	    drive(node[i+1:], out)
//	}
//
// At most one message per depth is live at a time, output order is
// deterministic, and an error stops the whole chain. A consumer that stops
// pulling cancels every upstream node, which must release its resources.
package runtime
