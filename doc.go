// Package syncshell lets small trusted groups of peers exchange binary
// state directly over peer-to-peer channels, without a central server,
// backed by a deduplicated content-addressed cache.
//
// A syncshell is a named group sharing one symmetric key and a resource
// namespace. Peers discover each other through a gossiped phonebook,
// exchange sealed frames over an abstract PeerChannel transport, and
// disseminate published resources with announce + conditional-fetch so
// unchanged content never crosses the wire twice.
//
// Hosting a shell:
//
//	mgr, _ := syncshell.Open(syncshell.WithDataDir(dir), syncshell.WithDialer(d))
//	defer mgr.Close()
//
//	shell, invite, _ := mgr.CreateSyncshell("alpha", "203.0.113.7:7450")
//	fmt.Println("invite:", invite) // hand out-of-band to members
//
//	mgr.Publish(shell.ID(), "outfit:1", payload)
//
// Joining:
//
//	shell, _ := mgr.JoinSyncshell(ctx, invite)
//	for ev := range mgr.Events() {
//	    if ev.Type == syncshell.EventResourceUpdated {
//	        body, _, _ := mgr.Resource(ev.ShellID, ev.ResourceKey)
//	        ...
//	    }
//	}
//
// The transport is pluggable: anything reliable, ordered and
// bidirectional satisfies PeerChannel. internal/transport/tcpchan
// provides a plain TCP implementation used by the CLI.
package syncshell
