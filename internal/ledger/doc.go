// Package ledger implements the hierarchical credit ledger.
//
// Balances live per (account, category). Every mutation is one atomic
// storage unit that checks the balance, writes the new balance(s) and appends
// the transaction rows sharing one reference id. Accounts whose role carries
// auth.CapUnlimited skip the balance check but still get rows.
//
// Within a process, check-then-mutate on one (account, category) pair is
// linearized by a striped mutex; transfers take both stripes in index order.
package ledger
