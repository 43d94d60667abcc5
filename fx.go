package darc

import (
	"context"

	"go.uber.org/fx"
)

// ModuleInput lets an application inject the options of its Node.
type ModuleInput struct {
	fx.In
	Options []Option `group:"darc.options"`
}

type lifecycleInput struct {
	fx.In
	LC   fx.Lifecycle
	Node *Node
}

// Module provides a *Node built with opts, and the options supplied in the
// "darc.options" value group. The node joins its cluster on start, if
// neighbours are configured, and is closed on stop.
func Module(opts ...Option) fx.Option {
	return fx.Module("darc",
		fx.Provide(func(in ModuleInput) (*Node, error) {
			all := make([]Option, 0, len(opts)+len(in.Options))
			all = append(all, opts...)
			all = append(all, in.Options...)
			return New(all...)
		}),
		fx.Invoke(registerLifecycle),
	)
}

// AsOption annotates an option constructor so it feeds the Node of [Module].
func AsOption(constructor any) any {
	return fx.Annotate(constructor, fx.ResultTags(`group:"darc.options"`))
}

func registerLifecycle(in lifecycleInput) {
	in.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if in.Node.gossip == nil || len(in.Node.gossip.cfg.Neighbours) == 0 {
				return nil
			}
			return in.Node.JoinCluster()
		},
		OnStop: func(context.Context) error {
			return in.Node.Close()
		},
	})
}
